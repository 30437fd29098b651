package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"wbtrends/internal/analysis"
	"wbtrends/internal/config"
	"wbtrends/internal/dataset"
	"wbtrends/internal/model"
	"wbtrends/internal/providers"
	"wbtrends/internal/providers/comtrade"
	"wbtrends/internal/providers/wits"
	"wbtrends/internal/providers/worldbank"
	"wbtrends/internal/slogx"
	"wbtrends/internal/store"
	"wbtrends/internal/store/sqlite"
)

const defaultDBPath = "wbtrends.db"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "countries":
		countries(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

type runOptions struct {
	provider     string
	indicators   []string
	countries    []string
	allowlist    string
	limit        int
	from         int
	to           int
	mrnev        int
	gapFill      bool
	dbPath       string
	outDir       string
	concurrency  int
	skipExisting bool
	verbose      bool
}

func run(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	provider := fs.String("provider", "worldbank", "provider id (worldbank, wits, comtrade)")
	indicators := fs.String("indicators", "SP.POP.TOTL", "comma-separated indicator ids")
	countryList := fs.String("countries", "", "comma-separated ISO3 list (empty = all)")
	allowlist := fs.String("allowlist", "", "path to ISO3 allowlist file (empty = no filter)")
	limit := fs.Int("limit", 0, "limit number of countries (0 = all)")
	from := fs.Int("from", 0, "first year (0 = open)")
	to := fs.Int("to", 0, "last year (0 = open)")
	mrnev := fs.Int("mrnev", 0, "most recent non-empty values per country (0 = off)")
	gapFill := fs.Bool("gapfill", false, "ask the source to fill gaps (used with -mrnev)")
	dbPath := fs.String("db", "", "sqlite database path (default: config storage.db_path or wbtrends.db, \"-\" disables persistence)")
	outDir := fs.String("out", "", "directory for raw api_results_<indicator>.json files (empty = none)")
	concurrency := fs.Int("concurrency", 2, "indicators fetched in parallel")
	skipExisting := fs.Bool("skip-existing", true, "skip years already stored for the requested countries")
	configPath := fs.String("config", "", "config file path")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	verbose := fs.Bool("verbose", false, "print each observation")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector run failed:", err)
		os.Exit(1)
	}
	logger := slogx.NewDefault(firstNonEmpty(*logLevel, cfg.LogLevel))

	opts := runOptions{
		provider:     *provider,
		indicators:   parseList(*indicators, false),
		countries:    parseList(*countryList, true),
		allowlist:    *allowlist,
		limit:        *limit,
		from:         *from,
		to:           *to,
		mrnev:        *mrnev,
		gapFill:      *gapFill,
		dbPath:       resolveDBPath(*dbPath, cfg.Storage.DBPath),
		outDir:       *outDir,
		concurrency:  *concurrency,
		skipExisting: *skipExisting,
		verbose:      *verbose,
	}
	if err := runCollector(context.Background(), opts, logger); err != nil {
		fmt.Fprintln(os.Stderr, "collector run failed:", err)
		os.Exit(1)
	}
}

func countries(args []string) {
	fs := flag.NewFlagSet("countries", flag.ExitOnError)
	provider := fs.String("provider", "worldbank", "provider id (worldbank, wits, comtrade)")
	fs.Parse(args)

	p, closeProvider, err := buildProvider(*provider, slogx.NewDefault(os.Getenv("LOG_LEVEL")))
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector countries failed:", err)
		os.Exit(1)
	}
	defer closeProvider()

	list, err := p.ListCountries(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector countries failed:", err)
		os.Exit(1)
	}
	for _, country := range list {
		fmt.Printf("%s\t%s\t%s\n", country.ISO3, country.Name, country.Region)
	}
	fmt.Printf("collector countries=%d (provider=%s)\n", len(list), p.Name())
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: collector <run|countries> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "run options:")
	fmt.Fprintln(os.Stderr, "  -provider       provider id (default: worldbank)")
	fmt.Fprintln(os.Stderr, "  -indicators     comma-separated indicator ids (default: SP.POP.TOTL)")
	fmt.Fprintln(os.Stderr, "  -countries      comma-separated ISO3 list (default: all)")
	fmt.Fprintln(os.Stderr, "  -allowlist      path to ISO3 allowlist file")
	fmt.Fprintln(os.Stderr, "  -limit          limit number of countries (default: 0)")
	fmt.Fprintln(os.Stderr, "  -from, -to      year range")
	fmt.Fprintln(os.Stderr, "  -mrnev          most recent non-empty values per country")
	fmt.Fprintln(os.Stderr, "  -gapfill        fill gaps in the -mrnev window")
	fmt.Fprintln(os.Stderr, "  -db             sqlite database path (\"-\" disables persistence)")
	fmt.Fprintln(os.Stderr, "  -out            directory for raw indicator files")
	fmt.Fprintln(os.Stderr, "  -concurrency    indicators fetched in parallel (default: 2)")
	fmt.Fprintln(os.Stderr, "  -skip-existing  skip years already stored (default: true)")
	fmt.Fprintln(os.Stderr, "  -config         config file path")
	fmt.Fprintln(os.Stderr, "  -verbose        print each observation")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "countries options:")
	fmt.Fprintln(os.Stderr, "  -provider       provider id (default: worldbank)")
}

// indicatorResult is what one fetch goroutine hands back; results are merged
// after the group finishes.
type indicatorResult struct {
	indicator    string
	observations []model.Observation
	skipped      bool
	failed       bool
	unchanged    bool
	ingest       analysis.IngestStats
}

func runCollector(ctx context.Context, opts runOptions, logger *slog.Logger) error {
	if len(opts.indicators) == 0 {
		return errors.New("no indicators provided")
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}

	provider, closeProvider, err := buildProvider(opts.provider, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	st, err := openStore(opts.dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	countryList, err := resolveCountries(ctx, provider, opts, logger)
	if err != nil {
		return err
	}

	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return err
		}
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID, "provider", provider.Name())
	logger.Info("collector run started", "indicators", len(opts.indicators), "countries", len(countryList))

	results := make([]indicatorResult, len(opts.indicators))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i, indicator := range opts.indicators {
		i, indicator := i, indicator
		g.Go(func() error {
			result, err := collectIndicator(gctx, provider, st, opts, indicator, countryList, logger)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var (
		success, failed, skipped, unchanged int
		missing, malformed                  int
		observations                        []model.Observation
	)
	for _, result := range results {
		switch {
		case result.failed:
			failed++
		case result.unchanged:
			unchanged++
		case result.skipped:
			skipped++
		default:
			success++
		}
		missing += result.ingest.Missing
		malformed += result.ingest.Skipped
		observations = append(observations, result.observations...)
		if opts.verbose {
			for _, observation := range result.observations {
				printObservation(observation)
			}
		}
	}

	if err := st.UpsertObservations(ctx, observations); err != nil {
		return err
	}
	if len(observations) > 0 {
		fmt.Printf("collector stored observations=%d\n", len(observations))
	}
	fmt.Printf("collector run complete (provider=%s indicators=%d success=%d failed=%d)\n",
		provider.Name(), len(opts.indicators), success, failed,
	)
	if skipped > 0 || unchanged > 0 {
		fmt.Printf("collector run skipped=%d unchanged=%d\n", skipped, unchanged)
	}
	if missing > 0 || malformed > 0 {
		fmt.Printf("collector records missing=%d malformed=%d\n", missing, malformed)
	}
	logger.Info("collector run finished", "observations", len(observations), "failed", failed)
	return nil
}

// collectIndicator fetches one indicator. Only context cancellation is
// returned as an error; provider failures are recorded on the result so the
// other indicators keep going.
func collectIndicator(ctx context.Context, provider providers.Provider, st store.Store, opts runOptions, indicator string, countryList []string, logger *slog.Logger) (indicatorResult, error) {
	result := indicatorResult{indicator: indicator}
	log := logger.With("indicator", indicator)

	query := model.Query{
		Indicator: indicator,
		Countries: countryList,
		From:      opts.from,
		To:        opts.to,
		MRNEV:     opts.mrnev,
		GapFill:   opts.gapFill,
	}
	if opts.skipExisting {
		from, to, fetch, err := missingWindow(ctx, st, provider.Name(), indicator, countryList, opts.from, opts.to)
		if err != nil {
			return result, err
		}
		if !fetch {
			result.unchanged = true
			log.Info("all requested years already stored")
			return result, nil
		}
		query.From, query.To = from, to
	}

	started := time.Now()
	records, err := provider.FetchIndicator(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if errors.Is(err, worldbank.ErrNoRecords) || errors.Is(err, wits.ErrNoRecords) || errors.Is(err, comtrade.ErrNoRecords) {
			result.skipped = true
			log.Info("no records")
			return result, nil
		}
		result.failed = true
		log.Error("fetch failed", "error", err)
		return result, nil
	}

	if opts.outDir != "" {
		path := filepath.Join(opts.outDir, dataset.FileName(indicator))
		if err := dataset.Save(path, indicator, records, time.Now()); err != nil {
			result.failed = true
			log.Error("save raw file failed", "path", path, "error", err)
			return result, nil
		}
	}

	observations, stats := analysis.Observations(records, analysis.IngestOptions{Logger: log})
	for i := range observations {
		observations[i].Provider = provider.Name()
		if observations[i].Indicator == "" {
			observations[i].Indicator = indicator
		}
	}
	result.observations = observations
	result.ingest = stats
	log.Info("fetched",
		"records", stats.Records,
		"observations", len(observations),
		"missing", stats.Missing,
		"malformed", stats.Skipped,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return result, nil
}

// missingWindow narrows [from, to] to the span of years not yet stored for
// every requested country. It only narrows when both the countries and the
// year range are explicit; otherwise the full query runs.
func missingWindow(ctx context.Context, st store.Store, providerID, indicator string, countryList []string, from, to int) (int, int, bool, error) {
	if len(countryList) == 0 || from <= 0 || to <= 0 || to < from {
		return from, to, true, nil
	}

	first, last := 0, 0
	for _, iso3 := range countryList {
		years, err := existingObservationYears(ctx, st, providerID, indicator, iso3)
		if err != nil {
			return 0, 0, false, err
		}
		for year := from; year <= to; year++ {
			if _, ok := years[year]; ok {
				continue
			}
			if first == 0 || year < first {
				first = year
			}
			if year > last {
				last = year
			}
		}
	}
	if first == 0 {
		return from, to, false, nil
	}
	return first, last, true, nil
}

func existingObservationYears(ctx context.Context, st store.Store, providerID, indicator, countryISO3 string) (map[int]struct{}, error) {
	years := make(map[int]struct{})
	if st == nil {
		return years, nil
	}
	keys, err := st.ListObservationKeys(ctx, providerID, indicator, countryISO3)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		years[key.Year] = struct{}{}
	}
	return years, nil
}

func resolveCountries(ctx context.Context, provider providers.Provider, opts runOptions, logger *slog.Logger) ([]string, error) {
	selected := opts.countries

	allowed := map[string]struct{}{}
	if strings.TrimSpace(opts.allowlist) != "" {
		loaded, err := loadAllowlist(opts.allowlist)
		if err != nil {
			return nil, err
		}
		allowed = loaded
	}

	if len(selected) == 0 && (len(allowed) > 0 || opts.limit > 0) {
		listed, err := provider.ListCountries(ctx)
		if err != nil {
			if len(allowed) == 0 {
				return nil, err
			}
			logger.Warn("list countries failed, using allowlist only", "error", err)
			selected = sortedKeys(allowed)
		} else {
			for _, country := range filterActiveCountries(listed) {
				selected = append(selected, strings.ToUpper(country.ISO3))
			}
		}
	}
	if len(allowed) > 0 {
		selected = filterCountries(selected, allowed)
		if len(selected) == 0 {
			return nil, errors.New("no countries after filtering")
		}
	}
	if opts.limit > 0 && len(selected) > opts.limit {
		selected = selected[:opts.limit]
	}
	return selected, nil
}

func buildProvider(providerID string, logger *slog.Logger) (providers.Provider, func(), error) {
	switch strings.ToLower(strings.TrimSpace(providerID)) {
	case "worldbank", "wb":
		cfg, err := worldbank.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		cfg.Logger = logger
		p, err := worldbank.NewWithConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case "wits":
		p, err := wits.New()
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case "comtrade":
		p, err := comtrade.New()
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider: %s", providerID)
	}
}

func resolveDBPath(flagValue, configured string) string {
	switch strings.TrimSpace(flagValue) {
	case "-":
		return ""
	case "":
		return firstNonEmpty(configured, defaultDBPath)
	default:
		return flagValue
	}
}

func openStore(path string) (store.Store, error) {
	if strings.TrimSpace(path) == "" {
		return &store.NopStore{}, nil
	}
	return sqlite.New(path)
}

func printObservation(observation model.Observation) {
	value := "null"
	if observation.Value != nil {
		value = fmt.Sprintf("%.2f", *observation.Value)
	}
	fmt.Printf("%s %s %s %d %s\n",
		observation.Indicator,
		observation.CountryISO3,
		observation.Country,
		observation.Year,
		value,
	)
}

func loadAllowlist(path string) (map[string]struct{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	allowed := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		for _, token := range splitTokens(line) {
			iso3 := strings.ToUpper(strings.TrimSpace(token))
			if iso3 == "" || iso3 == "ISO3" {
				continue
			}
			allowed[iso3] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		return nil, errors.New("allowlist is empty")
	}
	return allowed, nil
}

func splitTokens(line string) []string {
	replacer := strings.NewReplacer(";", ",", "\t", ",")
	line = replacer.Replace(line)
	parts := strings.Split(line, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func filterCountries(iso3s []string, allowed map[string]struct{}) []string {
	filtered := make([]string, 0, len(iso3s))
	for _, iso3 := range iso3s {
		if _, ok := allowed[strings.ToUpper(iso3)]; ok {
			filtered = append(filtered, iso3)
		}
	}
	return filtered
}

func filterActiveCountries(countries []model.Country) []model.Country {
	active := make([]model.Country, 0, len(countries))
	for _, country := range countries {
		if country.IsActive && country.ISO3 != "" {
			active = append(active, country)
		}
	}
	return active
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// parseList splits a comma-separated flag value. Indicator ids keep their
// case; country codes are upper-cased.
func parseList(value string, upper bool) []string {
	raw := strings.Split(value, ",")
	items := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if upper {
			trimmed = strings.ToUpper(trimmed)
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
