package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run [entity_type...]",
	Short: "Run the pipeline once for the given entity types, or all configured types",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if err := a.connectDatabase(ctx, a.cfg.DatabaseMigrateOnStart); err != nil {
			return err
		}
		defer a.db.Close()
		if err := a.connectLocker(ctx); err != nil {
			return err
		}
		if a.redis != nil {
			defer a.redis.Close()
		}

		return a.runOnce(ctx, a.entityTypes(args))
	},
}

func (a *app) runOnce(ctx context.Context, entityTypes []string) error {
	runner := a.newRunner(nil)
	summaries := make([]models.RunSummary, 0, len(entityTypes))
	var errs []error
	for _, entityType := range entityTypes {
		summary, err := runner.Run(ctx, entityType, now())
		if err != nil {
			if errors.Is(err, pipeline.ErrPartitionBusy) {
				a.logger.WithContext(ctx).WithField("entity_type", entityType).Warn("Another run holds the partition, skipping")
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", entityType, err))
			continue
		}
		summaries = append(summaries, summary)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summaries); err != nil {
		return err
	}
	return errors.Join(errs...)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if err := a.connectDatabase(ctx, true); err != nil {
			return err
		}
		return a.db.Close()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the environment and the rules file without connecting to anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		rules, err := config.LoadRules(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("invalid rules file %s: %w", cfg.RulesFile, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d entity types\n", len(rules.EntityTypeNames()))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
