package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gilchrisn/feature-sankey-service/pkg/featurestore"
	"github.com/gilchrisn/feature-sankey-service/pkg/grouping"
	"github.com/gilchrisn/feature-sankey-service/pkg/layout"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/session"
)

var (
	inspectFilters []string
	inspectStages  []string
	inspectFormat  string
	inspectSVG     string

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Build partition stages offline and print the layout",
		Long: `Applies the filters, adds each stage in order and prints the compiled
layout. A stage is node:metric or node:metric:t1,t2,... ; without thresholds
the configured default percentiles are used. Child ids follow the tree's
naming, so the first stage on root creates root_1.0, root_1.1 and so on.`,
		Example: `  sankey inspect --db features.db --filter scoreA=0.2:1 \
    --stage root:scoreA:0.5 --stage root_1.1:scoreB --format yaml --svg out.svg`,
		RunE: runInspect,
	}
)

func init() {
	inspectCmd.Flags().StringArrayVar(&inspectFilters, "filter", nil, "Filter metric=min:max (repeatable)")
	inspectCmd.Flags().StringArrayVar(&inspectStages, "stage", nil, "Stage node:metric[:t1,t2,...] (repeatable)")
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "json", "Output format: json or yaml")
	inspectCmd.Flags().StringVar(&inspectSVG, "svg", "", "Also write an SVG snapshot to this path")
}

func runInspect(cmd *cobra.Command, args []string) error {
	filters, err := parseFilters(inspectFilters)
	if err != nil {
		return err
	}
	type stage struct {
		node string
		cfg  models.StageConfig
	}
	stages := make([]stage, 0, len(inspectStages))
	for _, s := range inspectStages {
		node, stageCfg, err := parseStage(s)
		if err != nil {
			return err
		}
		stages = append(stages, stage{node: node, cfg: stageCfg})
	}

	store, err := featurestore.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	sess := session.New(session.Options{
		ID:                 "inspect",
		Provider:           grouping.NewLocalProvider(store, cfg.HistogramBins()),
		DefaultPercentiles: cfg.DefaultPercentiles(),
		Logger:             logger,
	})
	sess.Start()
	defer sess.Close()

	ctx := cmd.Context()
	if err := sess.ApplyFilters(ctx, filters); err != nil {
		return err
	}
	for _, st := range stages {
		if _, err := sess.AddStage(ctx, st.node, st.cfg); err != nil {
			return fmt.Errorf("stage %s on %s: %w", st.cfg.Metric, st.node, err)
		}
	}

	l := sess.Layout()
	if err := writeLayout(cmd.OutOrStdout(), l, inspectFormat); err != nil {
		return err
	}

	if inspectSVG != "" {
		f, err := os.Create(inspectSVG)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := layout.RenderSVG(f, layout.Arrange(l, layout.DefaultOptions())); err != nil {
			return err
		}
		logger.Info().Str("path", inspectSVG).Msg("SVG snapshot written")
	}
	return nil
}

func writeLayout(w io.Writer, l layout.Layout, format string) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(l, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(l); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}

// parseFilters reads metric=min:max entries
func parseFilters(specs []string) (models.Filters, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	filters := make(models.Filters, len(specs))
	for _, s := range specs {
		metric, bounds, ok := strings.Cut(s, "=")
		minText, maxText, ok2 := strings.Cut(bounds, ":")
		if !ok || !ok2 || metric == "" {
			return nil, fmt.Errorf("invalid filter %q (want metric=min:max)", s)
		}
		lo, err := strconv.ParseFloat(minText, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", s, err)
		}
		hi, err := strconv.ParseFloat(maxText, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", s, err)
		}
		filters[metric] = models.Range{Min: lo, Max: hi}
	}
	return filters, nil
}

// parseStage reads node:metric[:t1,t2,...]
func parseStage(s string) (string, models.StageConfig, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", models.StageConfig{}, fmt.Errorf("invalid stage %q (want node:metric[:t1,t2])", s)
	}
	cfg := models.StageConfig{Metric: parts[1], Mode: models.SplitRange}
	if len(parts) == 3 && parts[2] != "" {
		for _, t := range strings.Split(parts[2], ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return "", models.StageConfig{}, fmt.Errorf("invalid stage %q: %w", s, err)
			}
			cfg.Thresholds = append(cfg.Thresholds, v)
		}
	}
	return parts[0], cfg, nil
}
