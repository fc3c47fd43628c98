package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gilchrisn/feature-sankey-service/pkg/featurestore"
)

var (
	importFile string

	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Load a JSON feature file into the feature store",
		Long: `Reads a JSON array of {"featureId": n, "scores": {"metric": value}}
records and inserts them. Existing features are updated.`,
		RunE: runImport,
	}

	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "List the metrics in the feature store",
		RunE:  runMetrics,
	}
)

func init() {
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "JSON feature file")
	importCmd.MarkFlagRequired("file")
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(importFile)
	if err != nil {
		return err
	}
	defer f.Close()

	store, err := featurestore.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ImportJSON(cmd.Context(), f)
	if err != nil {
		return err
	}
	total, err := store.Count(cmd.Context())
	if err != nil {
		return err
	}

	logger.Info().
		Str("file", importFile).
		Str("store", store.Path()).
		Int("imported", n).
		Int("total", total).
		Msg("Features imported")
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	store, err := featurestore.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	metrics, err := store.Metrics(cmd.Context())
	if err != nil {
		return err
	}
	for _, m := range metrics {
		fmt.Fprintln(cmd.OutOrStdout(), m)
	}
	return nil
}
