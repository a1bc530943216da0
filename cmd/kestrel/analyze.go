package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/spf13/cobra"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	var modelPath, input, tenant string

	cmd := &cobra.Command{
		Use:     "analyze",
		Short:   "Score a CSV batch against a model artifact and print the analysis",
		Example: `  kestrel analyze --model fraud_model.json --input transactions.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			logCloser := setupLogging(cfg.Logging, os.Stderr)
			defer logCloser.Close()

			if modelPath == "" {
				modelPath = cfg.Model.ArtifactPath
			}
			m, err := model.LoadFile(modelPath)
			if err != nil {
				return err
			}

			records, err := readCSVFile(input)
			if err != nil {
				return err
			}

			engine, err := rules.NewEngine(cfg.Model.MaxWorkers)
			if err != nil {
				return fmt.Errorf("failed to initialize rule engine: %w", err)
			}
			if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
				return err
			}

			service := analysis.NewService(analysis.Deps{
				Rules:     engine,
				Processor: &scoring.Processor{FlaggedLimit: cfg.Model.FlaggedLimit},
			})
			service.Activate(m)

			result, err := service.Analyze(cmd.Context(), analysis.Request{
				TenantID: tenant,
				Mode:     analysis.ModeCLI,
				Records:  records,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&modelPath, "model", "m", "", "model artifact (defaults to model.artifact_path)")
	flags.StringVarP(&input, "input", "i", "", "CSV batch to score")
	flags.StringVar(&tenant, "tenant", "cli", "tenant recorded on the analysis")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}
