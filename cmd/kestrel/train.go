package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/spf13/cobra"
)

type trainOptions struct {
	input         string
	output        string
	trees         int
	contamination float64
	seed          int64
	encoding      string
	store         bool
}

func newTrainCmd(a *app) *cobra.Command {
	o := &trainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a CSV batch and write the artifact",
		Example: `  kestrel train --input transactions.csv --output fraud_model.json
  kestrel train --input transactions.csv --trees 200 --contamination 0.1 --store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			logCloser := setupLogging(cfg.Logging, os.Stderr)
			defer logCloser.Close()

			params := cfg.Model.Params
			flags := cmd.Flags()
			if flags.Changed("trees") {
				params.NumTrees = o.trees
			}
			if flags.Changed("contamination") {
				params.Contamination = o.contamination
			}
			if flags.Changed("seed") {
				params.Seed = o.seed
			}
			if flags.Changed("encoding") {
				params.Encoding = o.encoding
			}
			output := o.output
			if output == "" {
				output = cfg.Model.ArtifactPath
			}

			records, err := readCSVFile(o.input)
			if err != nil {
				return err
			}

			deps := analysis.Deps{MaxWorkers: cfg.Model.MaxWorkers}
			if o.store {
				repo, err := repository.New(cfg.Repository)
				if err != nil {
					return fmt.Errorf("failed to initialize repository: %w", err)
				}
				defer repo.Close()
				deps.Repository = repo
			}

			start := time.Now()
			m, err := analysis.NewService(deps).Train(cmd.Context(), records, params)
			if err != nil {
				return err
			}
			if err := model.SaveFile(output, m); err != nil {
				return err
			}

			slog.Info("model trained",
				"model_id", m.ID,
				"version", m.Version,
				"training_rows", m.TrainingRows,
				"threshold", m.Threshold(),
				"stored", o.store,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (model %s, %d rows)\n", output, m.Version, m.TrainingRows)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.input, "input", "i", "", "CSV batch to train on")
	flags.StringVarP(&o.output, "output", "o", "", "artifact path (defaults to model.artifact_path)")
	flags.IntVar(&o.trees, "trees", 0, "number of trees")
	flags.Float64Var(&o.contamination, "contamination", 0, "expected anomaly fraction in (0, 0.5]")
	flags.Int64Var(&o.seed, "seed", 0, "random seed")
	flags.StringVar(&o.encoding, "encoding", "", fmt.Sprintf("categorical encoding (%s or %s)", domain.EncodingVocabulary, domain.EncodingBatch))
	flags.BoolVar(&o.store, "store", false, "also save and activate the artifact in the repository")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func readCSVFile(path string) ([]domain.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ingest.ReadCSV(f)
}
