package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
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
	"wbtrends/internal/predict"
	"wbtrends/internal/report"
	"wbtrends/internal/slogx"
	"wbtrends/internal/store"
	"wbtrends/internal/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = analyzeCmd(os.Args[2:])
	case "runs":
		err = runsCmd(os.Args[2:])
	case "predict":
		err = predictCmd(os.Args[2:])
	case "inspect":
		err = inspectCmd(os.Args[2:])
	case "status":
		err = statusCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyzer %s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: analyzer <analyze|runs|predict|inspect|status> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  analyze -input api_results_SP.POP.TOTL.json [-country NAME] [-top 10] [-format csv -out rows.csv]")
	fmt.Fprintln(os.Stderr, "  analyze -db wbtrends.db -indicator SP.POP.TOTL [-provider worldbank]")
	fmt.Fprintln(os.Stderr, "  runs    -db wbtrends.db [-indicator ID] [-limit 20]")
	fmt.Fprintln(os.Stderr, "  predict -provider github|anthropic [-model NAME] [-question TEXT] [-compare] FILE...")
	fmt.Fprintln(os.Stderr, "  inspect FILE...|DIR")
	fmt.Fprintln(os.Stderr, "  status")
}

type analyzeOptions struct {
	input     string
	dbPath    string
	provider  string
	indicator string
	country   string
	top       int
	format    string
	out       string
	save      bool
}

func analyzeCmd(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	input := fs.String("input", "", "indicator data file (api response or collector output)")
	dbPath := fs.String("db", "", "sqlite database to read observations from (default: config storage.db_path)")
	provider := fs.String("provider", "worldbank", "provider id of stored observations")
	indicator := fs.String("indicator", "", "indicator id (required with -db)")
	country := fs.String("country", "", "analyze a single country (name, id or ISO3)")
	top := fs.Int("top", 10, "countries shown in the text report (0 = all)")
	format := fs.String("format", "text", "output format (text, json, csv, parquet, xlsx)")
	out := fs.String("out", "", "export path for json, csv, parquet or xlsx output")
	save := fs.Bool("save", true, "store the report in the database when one is configured")
	configPath := fs.String("config", "", "config file path")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := slogx.NewDefault(firstNonEmpty(*logLevel, cfg.LogLevel))

	opts := analyzeOptions{
		input:     *input,
		dbPath:    firstNonEmpty(*dbPath, cfg.Storage.DBPath),
		provider:  *provider,
		indicator: *indicator,
		country:   *country,
		top:       *top,
		format:    strings.ToLower(strings.TrimSpace(*format)),
		out:       *out,
		save:      *save,
	}
	return runAnalyze(context.Background(), opts, cfg.AnalysisOptions(), os.Stdout, logger)
}

func runAnalyze(ctx context.Context, opts analyzeOptions, analysisOpts analysis.Options, w io.Writer, logger *slog.Logger) error {
	if opts.input == "" && opts.indicator == "" {
		return errors.New("either -input or -indicator is required")
	}
	if opts.input == "" && strings.TrimSpace(opts.dbPath) == "" {
		return errors.New("-db is required when reading stored observations")
	}
	if opts.format != "text" && opts.out == "" {
		return fmt.Errorf("-out is required for format %s", opts.format)
	}

	st, err := openStore(opts.dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var (
		indicator string
		series    map[string]model.CountrySeries
	)
	if opts.input != "" {
		ds, err := dataset.Load(opts.input)
		if err != nil {
			return err
		}
		var stats analysis.IngestStats
		series, stats = analysis.Ingest(ds.Records, analysis.IngestOptions{CountryFilter: opts.country, Logger: logger})
		indicator = ds.Indicator
		if ds.Skipped > 0 {
			logger.Warn("skipped undecodable records", "file", opts.input, "count", ds.Skipped)
			stats.Skipped += ds.Skipped
		}
		logger.Info("ingested",
			"file", opts.input,
			"records", stats.Records,
			"malformed", stats.Skipped,
			"missing", stats.Missing,
			"countries", stats.Countries,
		)
	} else {
		observations, err := st.ListObservations(ctx, store.ObservationFilter{
			Provider:  opts.provider,
			Indicator: opts.indicator,
		})
		if err != nil {
			return err
		}
		series = analysis.GroupByCountry(filterObservations(observations, opts.country))
		indicator = opts.indicator
		logger.Info("loaded", "observations", len(observations), "countries", len(series))
	}
	if opts.country != "" && len(series) == 0 {
		return fmt.Errorf("no data for country %q", opts.country)
	}

	rep := analysis.New(analysisOpts).AnalyzeAll(series)
	rep.RunID = uuid.NewString()
	rep.Indicator = indicator
	rep.GeneratedAt = time.Now().UTC()

	if opts.save {
		if err := st.SaveReport(ctx, rep); err != nil {
			return err
		}
	}

	if err := report.WriteText(w, rep, opts.top); err != nil {
		return err
	}
	if opts.format == "text" {
		return nil
	}
	saver, err := report.SaverFor(opts.format)
	if err != nil {
		return err
	}
	if err := saver.Save(report.Rows(rep), opts.out); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nAnalysis saved to: %s\n", opts.out)
	return nil
}

// filterObservations applies the same country match as ingestion does for
// file input.
func filterObservations(observations []model.Observation, country string) []model.Observation {
	country = strings.TrimSpace(country)
	if country == "" {
		return observations
	}
	filtered := make([]model.Observation, 0)
	for _, observation := range observations {
		if strings.EqualFold(observation.Country, country) || strings.EqualFold(observation.CountryISO3, country) {
			filtered = append(filtered, observation)
		}
	}
	return filtered
}

func runsCmd(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "", "sqlite database path (default: config storage.db_path)")
	indicator := fs.String("indicator", "", "filter by indicator id")
	limit := fs.Int("limit", 20, "maximum runs to list")
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	path := firstNonEmpty(*dbPath, cfg.Storage.DBPath)
	if path == "" {
		return errors.New("-db is required")
	}
	st, err := sqlite.New(path)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), *indicator, *limit)
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Printf("%s %s %s countries=%d analyzed=%d increasing=%d decreasing=%d stable=%d insufficient=%d\n",
			run.GeneratedAt.Format(time.RFC3339),
			run.RunID,
			run.Indicator,
			run.Countries,
			run.Analyzed,
			run.TrendCounts[model.TrendIncreasing],
			run.TrendCounts[model.TrendDecreasing],
			run.TrendCounts[model.TrendStable],
			run.TrendCounts[model.TrendInsufficientData],
		)
	}
	return nil
}

func predictCmd(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	provider := fs.String("provider", config.ProviderGitHub, "model provider (github, anthropic)")
	modelName := fs.String("model", "", "model name or alias (default: from config)")
	question := fs.String("question", "", "question to ask (default: general trend analysis)")
	compare := fs.Bool("compare", false, "compare all given files in one request")
	withAnalysis := fs.Bool("with-analysis", true, "append the computed trend summary to the prompt")
	outDir := fs.String("out", "output", "directory for prediction files")
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	files := fs.Args()
	if len(files) == 0 {
		return errors.New("at least one data file is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := slogx.NewDefault(cfg.LogLevel)
	settings, err := cfg.LLM(*provider, *modelName)
	if err != nil {
		return err
	}
	predictor, err := predict.New(settings, predict.Config{})
	if err != nil {
		return err
	}

	payloads := make([]predict.Payload, 0, len(files))
	for _, file := range files {
		payload, err := loadPayload(file, *withAnalysis, cfg.AnalysisOptions(), logger)
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
	}

	ctx := context.Background()
	fmt.Printf("Using model: %s\n", predictor.Model())

	if *compare {
		if *question == "" {
			return errors.New("-question is required with -compare")
		}
		answer, err := predictor.Compare(ctx, payloads, *question)
		if err != nil {
			return err
		}
		path := filepath.Join(*outDir, fmt.Sprintf("comparison_%s.txt", predictor.Name()))
		return printPrediction(predictor, answer, path)
	}

	failed := 0
	for i, payload := range payloads {
		fmt.Printf("Analyzing %s...\n\n", files[i])
		answer, err := predictor.Predict(ctx, payload, *question)
		if err != nil {
			failed++
			logger.Error("prediction failed", "file", files[i], "error", err)
			continue
		}
		path := filepath.Join(*outDir, predict.PredictionFileName(predictor.Name(), files[i]))
		if err := printPrediction(predictor, answer, path); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d predictions failed", failed, len(payloads))
	}
	return nil
}

func loadPayload(path string, withAnalysis bool, analysisOpts analysis.Options, logger *slog.Logger) (predict.Payload, error) {
	ds, err := dataset.Load(path)
	if err != nil {
		return predict.Payload{}, err
	}
	if ds.Skipped > 0 {
		logger.Warn("skipped undecodable records", "file", path, "count", ds.Skipped)
	}
	payload := predict.Payload{
		Name:      filepath.Base(path),
		Indicator: ds.Indicator,
		Timestamp: ds.Timestamp,
		Records:   ds.Records,
	}
	if withAnalysis {
		series, _ := analysis.Ingest(ds.Records, analysis.IngestOptions{Logger: logger})
		rep := analysis.New(analysisOpts).AnalyzeAll(series)
		rep.Indicator = ds.Indicator
		payload.Report = &rep
	}
	return payload, nil
}

func printPrediction(predictor predict.Predictor, answer, path string) error {
	rule := strings.Repeat("=", 80)
	fmt.Println(rule)
	fmt.Println("MODEL'S ANALYSIS:")
	fmt.Println(rule)
	fmt.Println(answer)
	if err := predict.SavePrediction(path, predictor.Model(), answer); err != nil {
		return err
	}
	fmt.Printf("\n\nPrediction saved to: %s\n", path)
	return nil
}

func inspectCmd(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	pattern := fs.String("pattern", "prediction_*.txt", "file pattern when a directory is given")
	jsonOut := fs.String("json", "", "also write the comparison as JSON to this path")
	fs.Parse(args)

	files, err := predictionFiles(fs.Args(), *pattern)
	if err != nil {
		return err
	}

	inspections := make([]predict.Inspection, 0, len(files))
	for _, file := range files {
		inspection, err := predict.InspectFile(file)
		if err != nil {
			return err
		}
		inspections = append(inspections, inspection)
	}
	comparison, err := predict.CompareInspections(inspections)
	if err != nil {
		return err
	}
	if err := predict.WriteComparison(os.Stdout, comparison); err != nil {
		return err
	}

	if *jsonOut != "" {
		data, err := json.MarshalIndent(comparison, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*jsonOut, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Analysis saved to: %s\n", *jsonOut)
	}
	return nil
}

// predictionFiles expands a single directory argument with pattern and keeps
// only regular files otherwise.
func predictionFiles(args []string, pattern string) ([]string, error) {
	if len(args) == 1 {
		if info, err := os.Stat(args[0]); err == nil && info.IsDir() {
			matches, err := filepath.Glob(filepath.Join(args[0], pattern))
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no files matching %s found in %s", pattern, args[0])
			}
			sort.Strings(matches)
			return matches, nil
		}
	}

	files := make([]string, 0, len(args))
	for _, arg := range args {
		if info, err := os.Stat(arg); err == nil && info.Mode().IsRegular() {
			files = append(files, arg)
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no valid files found")
	}
	return files, nil
}

func statusCmd(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	writeStatus(os.Stdout, cfg.Status())
	return nil
}

func writeStatus(w io.Writer, status config.Status) {
	fmt.Fprintln(w, "Configuration Status:")
	if status.ConfigFileLoaded {
		fmt.Fprintf(w, "  Config file: %s\n", status.ConfigPath)
	} else {
		fmt.Fprintln(w, "  Config file: not found (using environment variables)")
	}
	fmt.Fprintf(w, "  GitHub token: %s\n", presence(status.GitHubToken))
	fmt.Fprintf(w, "  Anthropic key: %s\n", presence(status.AnthropicKey))
	fmt.Fprintf(w, "  GitHub model: %s\n", status.GitHubModel)
	fmt.Fprintf(w, "  Anthropic model: %s\n", status.AnthropicModel)
	fmt.Fprintf(w, "  GitHub model aliases: %s\n", strings.Join(predict.GitHubModelAliases(), ", "))
}

func presence(ok bool) string {
	if ok {
		return "set"
	}
	return "missing"
}

func openStore(path string) (store.Store, error) {
	if strings.TrimSpace(path) == "" {
		return &store.NopStore{}, nil
	}
	return sqlite.New(path)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
