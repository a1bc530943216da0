// Kestrel - Batch fraud scoring with isolation forests.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

type app struct {
	configPath string
	cfg        *domain.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Batch fraud scoring with isolation forests",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("KESTREL_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		newServeCmd(a),
		newTrainCmd(a),
		newGenerateCmd(a),
		newAnalyzeCmd(a),
	)
	return root
}
