package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "fern",
	Short: "Fern builds versioned entity timelines from CDC events and reconciles them against source checksums",
	Long: `Fern consumes change events from Kafka, folds them into SCD2 version timelines per
entity, records field-level changes, and verifies the derived row set against the
row counts and checksums reported by the source database.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file loaded before the environment is parsed")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
