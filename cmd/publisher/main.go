package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"wbtrends/internal/analysis"
	"wbtrends/internal/config"
	"wbtrends/internal/dataset"
	"wbtrends/internal/model"
	"wbtrends/internal/report"
	"wbtrends/internal/store"
	"wbtrends/internal/store/sqlite"
)

type metaFile struct {
	GeneratedAt string   `json:"generated_at"`
	Provider    string   `json:"provider"`
	Indicators  []string `json:"indicators"`
	Countries   int      `json:"countries"`
}

type latestFile struct {
	GeneratedAt string        `json:"generated_at"`
	Rows        []latestEntry `json:"rows"`
}

type latestEntry struct {
	ISO3       string                 `json:"iso3"`
	Country    string                 `json:"country"`
	Indicators map[string]latestValue `json:"indicators"`
}

type latestValue struct {
	Year      int         `json:"year"`
	Value     float64     `json:"value"`
	Trend     model.Trend `json:"trend,omitempty"`
	GrowthPct float64     `json:"avg_growth_pct"`
}

type buildOptions struct {
	outDir     string
	dbPath     string
	provider   string
	indicators []string
	save       bool
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "build":
		build(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func build(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("out", "site/data", "output directory")
	dbPath := fs.String("db", "", "sqlite database path (default: config storage.db_path or wbtrends.db)")
	provider := fs.String("provider", "worldbank", "provider id")
	indicators := fs.String("indicators", "", "comma-separated indicator ids (empty = every stored indicator)")
	save := fs.Bool("save", true, "record each analysis run in the database")
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	opts := buildOptions{
		outDir:     *outDir,
		dbPath:     firstNonEmpty(*dbPath, cfg.Storage.DBPath, "wbtrends.db"),
		provider:   *provider,
		indicators: parseList(*indicators),
		save:       *save,
	}
	if err := runBuild(context.Background(), opts, cfg.AnalysisOptions(), time.Now().UTC()); err != nil {
		fmt.Fprintln(os.Stderr, "publisher build failed:", err)
		os.Exit(1)
	}
	fmt.Printf("publisher build complete (out=%s)\n", *outDir)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: publisher build [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  -out         output directory (default: site/data)")
	fmt.Fprintln(os.Stderr, "  -db          sqlite database path (default: wbtrends.db)")
	fmt.Fprintln(os.Stderr, "  -provider    provider id (default: worldbank)")
	fmt.Fprintln(os.Stderr, "  -indicators  comma-separated indicator ids (default: all stored)")
	fmt.Fprintln(os.Stderr, "  -save        record each analysis run (default: true)")
	fmt.Fprintln(os.Stderr, "  -config      config file path")
}

func runBuild(ctx context.Context, opts buildOptions, analysisOpts analysis.Options, now time.Time) error {
	if strings.TrimSpace(opts.dbPath) == "" {
		return errors.New("db path is required")
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	st, err := sqlite.New(opts.dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	byIndicator, err := loadObservations(ctx, st, opts.provider, opts.indicators)
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}

	analyzer := analysis.New(analysisOpts)
	indicators := make([]string, 0, len(byIndicator))
	for indicator := range byIndicator {
		indicators = append(indicators, indicator)
	}
	sort.Strings(indicators)

	reports := make(map[string]model.Report, len(indicators))
	var all []model.Observation
	for _, indicator := range indicators {
		observations := byIndicator[indicator]
		all = append(all, observations...)

		rep := analyzer.AnalyzeAll(analysis.GroupByCountry(observations))
		rep.RunID = uuid.NewString()
		rep.Indicator = indicator
		rep.GeneratedAt = now
		reports[indicator] = rep

		if opts.save {
			if err := st.SaveReport(ctx, rep); err != nil {
				return err
			}
		}
		name := "analysis_" + dataset.FileName(indicator)
		if err := writeJSON(filepath.Join(opts.outDir, name), rep); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	latest := buildLatest(all, reports)
	stamp := now.Format(time.RFC3339)
	if err := writeJSON(filepath.Join(opts.outDir, "latest.json"), latestFile{GeneratedAt: stamp, Rows: latest}); err != nil {
		return fmt.Errorf("write latest.json: %w", err)
	}
	meta := metaFile{
		GeneratedAt: stamp,
		Provider:    opts.provider,
		Indicators:  indicators,
		Countries:   len(latest),
	}
	if err := writeJSON(filepath.Join(opts.outDir, "meta.json"), meta); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}
	return nil
}

func writeJSON(path string, value any) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// loadObservations groups stored observations by indicator. An empty
// indicator list loads every indicator of the provider.
func loadObservations(ctx context.Context, st store.Store, provider string, indicators []string) (map[string][]model.Observation, error) {
	filters := []store.ObservationFilter{{Provider: provider}}
	if len(indicators) > 0 {
		filters = filters[:0]
		for _, indicator := range indicators {
			filters = append(filters, store.ObservationFilter{Provider: provider, Indicator: indicator})
		}
	}

	grouped := make(map[string][]model.Observation)
	for _, filter := range filters {
		observations, err := st.ListObservations(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, observation := range observations {
			grouped[observation.Indicator] = append(grouped[observation.Indicator], observation)
		}
	}
	return grouped, nil
}

// buildLatest picks, per country and indicator, the most recent year with a
// value and attaches the trend computed for that country.
func buildLatest(observations []model.Observation, reports map[string]model.Report) []latestEntry {
	entries := make(map[string]*latestEntry)
	for _, observation := range observations {
		if observation.Value == nil {
			continue
		}
		iso3 := strings.ToUpper(firstNonEmpty(observation.CountryISO3, observation.Country))
		if iso3 == "" {
			continue
		}

		entry, ok := entries[iso3]
		if !ok {
			entry = &latestEntry{ISO3: iso3, Country: observation.Country, Indicators: map[string]latestValue{}}
			entries[iso3] = entry
		}
		current, ok := entry.Indicators[observation.Indicator]
		if ok && current.Year >= observation.Year {
			continue
		}

		value := latestValue{Year: observation.Year, Value: *observation.Value}
		if result, ok := lookupResult(reports[observation.Indicator], observation); ok {
			value.Trend = result.Trend
			value.GrowthPct = report.Percent(result.AverageGrowthRate)
		}
		entry.Indicators[observation.Indicator] = value
	}

	results := make([]latestEntry, 0, len(entries))
	for _, entry := range entries {
		results = append(results, *entry)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ISO3 < results[j].ISO3 })
	return results
}

// lookupResult finds the country result using the same key GroupByCountry
// assigns: the country name, or the ISO3 code when the name is empty.
func lookupResult(rep model.Report, observation model.Observation) (model.AnalysisResult, bool) {
	key := firstNonEmpty(observation.Country, observation.CountryISO3)
	result, ok := rep.Results[key]
	return result, ok
}

func parseList(value string) []string {
	raw := strings.Split(value, ",")
	items := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		items = append(items, trimmed)
	}
	return items
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
