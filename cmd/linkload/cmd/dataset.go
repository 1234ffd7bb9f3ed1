package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FairForge/linkload/internal/logging"
	"github.com/FairForge/linkload/internal/population"
)

func newDatasetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset --out data/dataset.json",
		Short: "Create keys against the service and save them as a dataset",
		Long: `Create keys against the service under test and save them as a dataset
file that "run" can load with population.mode: load. The target and
population sections of the config apply; flags override them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = cfg.Population.DatasetPath
			}
			if out == "" {
				return errors.New("dataset: --out is required")
			}
			description, _ := cmd.Flags().GetString("description")

			logger, err := logging.NewLogger(&cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			synth := population.NewSynthesizer(cfg.Synthesizer(), nil, logger)
			pop, buildErr := synth.Build(cmd.Context())
			if pop.Empty() {
				return fmt.Errorf("dataset: %w", errors.Join(population.ErrCreationFailed, buildErr))
			}
			if err := population.WriteDataset(out, pop, description); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d keys to %s (%s)\n", pop.Size(), out, pop)
			return buildErr
		},
	}

	f := cmd.Flags()
	f.String("out", "", "dataset file to write")
	f.String("description", "generated by linkload dataset", "dataset description")
	f.String("base-url", "", "service under test")
	f.String("variant", "", "population variant: binary or tiered")
	f.Int("keys", 0, "keys to create")
	return cmd
}
