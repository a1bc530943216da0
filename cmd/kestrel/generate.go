package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/synth"
	"github.com/spf13/cobra"
)

func newGenerateCmd(_ *app) *cobra.Command {
	cfg := synth.DefaultConfig()
	var output string

	cmd := &cobra.Command{
		Use:     "generate",
		Short:   "Write a synthetic transaction batch as CSV",
		Example: `  kestrel generate --output transactions.csv --normal 850 --anomalous 150`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Now = time.Now().UTC()
			records := synth.Transactions(synth.Generate(cfg))

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()

			w := bufio.NewWriter(f)
			if err := ingest.WriteCSV(w, records); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d transactions to %s\n", len(records), output)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "transactions.csv", "CSV file to write")
	flags.IntVar(&cfg.Normal, "normal", cfg.Normal, "number of normal transactions")
	flags.IntVar(&cfg.Anomalous, "anomalous", cfg.Anomalous, "number of anomalous transactions")
	flags.IntVar(&cfg.Customers, "customers", cfg.Customers, "number of distinct customers")
	flags.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flags.IntVar(&cfg.LookbackDays, "lookback-days", cfg.LookbackDays, "days of history to spread timestamps over")

	return cmd
}
