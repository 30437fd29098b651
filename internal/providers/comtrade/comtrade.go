package comtrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"wbtrends/internal/model"
	"wbtrends/internal/providers"
)

const (
	defaultBaseURL           = "https://comtradeapi.un.org/"
	defaultDataPath          = "data/v1/get/{type}/{freq}/{cl}"
	defaultReportersURL      = "https://comtradeapi.un.org/files/v1/app/reference/Reporters.json"
	defaultAPIKeyParam       = "subscription-key"
	defaultType              = "C"
	defaultFrequency         = "A"
	defaultClassification    = "HS"
	defaultCommodity         = "TOTAL"
	defaultPartnerCode       = "0"
	defaultFormat            = "json"
	defaultMaxRecords        = 50000
	defaultLookbackYears     = 5
	defaultRateLimitPerSec   = 2
	defaultRateLimitBurst    = 2
	defaultTimeoutSeconds    = 30
	defaultUserAgent         = "wbtrends/0.1"
	defaultValueMultiplier   = 1.0
	defaultAllowISO3Fallback = true
	defaultMaxRetries        = 3
	defaultUnit              = "US$"
)

var ErrNoRecords = errors.New("comtrade: no records found")
var ErrQuotaExceeded = errors.New("comtrade: quota exceeded")

type Config struct {
	BaseURL           string
	DataPath          string
	ReportersURL      string
	APIKeyPrimary     string
	APIKeySecondary   string
	APIKeyParam       string
	Type              string
	Frequency         string
	Classification    string
	Commodity         string
	PartnerCode       string
	Format            string
	MaxRecords        int
	LookbackYears     int
	Timeout           time.Duration
	UserAgent         string
	ValueMultiplier   float64
	AllowISO3Fallback bool
	RateLimitPerSec   int
	RateLimitBurst    int
	MaxRetries        int
}

// Provider serves UN Comtrade annual trade totals as indicator series. An
// indicator id is a flow code optionally followed by a commodity code:
// "X" (exports, all commodities), "M" (imports) or "X.27" (mineral fuels).
// Values are reported against the configured partner, World by default.
type Provider struct {
	config       Config
	client       *http.Client
	limiter      *providers.RateLimiter
	mu           sync.Mutex
	refsLoaded   bool
	countries    []model.Country
	reporterCode map[string]string
}

type referenceEntry struct {
	Code        string
	ISO3        string
	Name        string
	IsReporter  bool
	HasReporter bool
	IsGroup     bool
}

func New() (*Provider, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

func NewWithConfig(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.DataPath) == "" {
		cfg.DataPath = defaultDataPath
	}
	if strings.TrimSpace(cfg.ReportersURL) == "" {
		cfg.ReportersURL = defaultReportersURL
	}
	if strings.TrimSpace(cfg.APIKeyParam) == "" {
		cfg.APIKeyParam = defaultAPIKeyParam
	}
	if strings.TrimSpace(cfg.Type) == "" {
		cfg.Type = defaultType
	}
	if strings.TrimSpace(cfg.Frequency) == "" {
		cfg.Frequency = defaultFrequency
	}
	if strings.TrimSpace(cfg.Classification) == "" {
		cfg.Classification = defaultClassification
	}
	if strings.TrimSpace(cfg.Commodity) == "" {
		cfg.Commodity = defaultCommodity
	}
	if strings.TrimSpace(cfg.PartnerCode) == "" {
		cfg.PartnerCode = defaultPartnerCode
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = defaultFormat
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.LookbackYears <= 0 {
		cfg.LookbackYears = defaultLookbackYears
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.ValueMultiplier == 0 {
		cfg.ValueMultiplier = defaultValueMultiplier
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Provider{
		config:       cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		limiter:      providers.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		reporterCode: make(map[string]string),
	}, nil
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:           providers.Getenv("COMTRADE_BASE_URL", defaultBaseURL),
		DataPath:          providers.Getenv("COMTRADE_DATA_PATH", defaultDataPath),
		ReportersURL:      providers.Getenv("COMTRADE_REPORTERS_URL", defaultReportersURL),
		APIKeyPrimary:     strings.TrimSpace(os.Getenv("COMTRADE_PRIMARY_KEY")),
		APIKeySecondary:   strings.TrimSpace(os.Getenv("COMTRADE_SECONDARY_KEY")),
		APIKeyParam:       providers.Getenv("COMTRADE_API_KEY_PARAM", defaultAPIKeyParam),
		Type:              providers.Getenv("COMTRADE_TYPE", defaultType),
		Frequency:         providers.Getenv("COMTRADE_FREQUENCY", defaultFrequency),
		Classification:    providers.Getenv("COMTRADE_CLASSIFICATION", defaultClassification),
		Commodity:         providers.Getenv("COMTRADE_COMMODITY", defaultCommodity),
		PartnerCode:       providers.Getenv("COMTRADE_PARTNER_CODE", defaultPartnerCode),
		Format:            providers.Getenv("COMTRADE_FORMAT", defaultFormat),
		ValueMultiplier:   providers.GetenvFloat("COMTRADE_VALUE_MULTIPLIER", defaultValueMultiplier),
		AllowISO3Fallback: providers.GetenvBool("COMTRADE_ALLOW_ISO3_FALLBACK", defaultAllowISO3Fallback),
	}

	cfg.MaxRecords = providers.GetenvInt("COMTRADE_MAX_RECORDS", defaultMaxRecords)
	cfg.LookbackYears = providers.GetenvInt("COMTRADE_LOOKBACK_YEARS", defaultLookbackYears)
	cfg.Timeout = time.Duration(providers.GetenvInt("COMTRADE_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second
	cfg.RateLimitPerSec = providers.GetenvInt("COMTRADE_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec)
	cfg.RateLimitBurst = providers.GetenvInt("COMTRADE_RATE_LIMIT_BURST", defaultRateLimitBurst)
	cfg.MaxRetries = providers.GetenvInt("COMTRADE_MAX_RETRIES", defaultMaxRetries)

	return cfg, nil
}

func (p *Provider) Name() string {
	return "comtrade"
}

func (p *Provider) Close() error {
	p.limiter.Stop()
	return nil
}

func (p *Provider) ListCountries(ctx context.Context) ([]model.Country, error) {
	if err := p.ensureReferences(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]model.Country, len(p.countries))
	copy(copied, p.countries)
	return copied, nil
}

// FetchIndicator issues one request per year covering every requested
// reporter. Years without data are skipped; ErrNoRecords is returned only
// when nothing came back at all.
func (p *Provider) FetchIndicator(ctx context.Context, query model.Query) ([]model.Record, error) {
	flow, commodity, err := p.parseIndicator(query.Indicator)
	if err != nil {
		return nil, err
	}

	codes, err := p.reporterCodes(ctx, query.Countries)
	if err != nil {
		return nil, err
	}

	years := yearRange(query.From, query.To, p.config.LookbackYears, time.Now().UTC().Year())
	ref := model.Ref{ID: strings.TrimSpace(query.Indicator), Value: indicatorLabel(flow, commodity)}

	records := make([]model.Record, 0)
	for _, year := range years {
		rows, err := p.fetchYear(ctx, codes, flow, commodity, year, ref)
		if err != nil {
			if errors.Is(err, ErrNoRecords) {
				continue
			}
			return nil, err
		}
		records = append(records, rows...)
	}

	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CountryISO3 != records[j].CountryISO3 {
			return records[i].CountryISO3 < records[j].CountryISO3
		}
		return records[i].Date > records[j].Date
	})
	return records, nil
}

func (p *Provider) parseIndicator(indicator string) (string, string, error) {
	indicator = strings.ToUpper(strings.TrimSpace(indicator))
	if indicator == "" {
		return "", "", errors.New("comtrade: indicator is required")
	}
	flow, commodity, found := strings.Cut(indicator, ".")
	if !found || strings.TrimSpace(commodity) == "" {
		commodity = p.config.Commodity
	}
	switch flow {
	case "X", "M", "RX", "RM":
	default:
		return "", "", fmt.Errorf("comtrade: unsupported flow %q (want X, M, RX or RM)", flow)
	}
	return flow, commodity, nil
}

func indicatorLabel(flow, commodity string) string {
	names := map[string]string{"X": "Exports", "M": "Imports", "RX": "Re-exports", "RM": "Re-imports"}
	return fmt.Sprintf("%s, commodity %s (%s)", names[flow], commodity, defaultUnit)
}

// reporterCodes maps ISO3 codes to Comtrade numeric reporter codes. An empty
// list (or "all") leaves the reporter unrestricted.
func (p *Provider) reporterCodes(ctx context.Context, countries []string) ([]string, error) {
	requested := make([]string, 0, len(countries))
	for _, country := range countries {
		country = strings.ToUpper(strings.TrimSpace(country))
		if country == "" {
			continue
		}
		if country == "ALL" {
			return nil, nil
		}
		requested = append(requested, country)
	}
	if len(requested) == 0 {
		return nil, nil
	}

	refsErr := p.ensureReferences(ctx)
	if refsErr != nil && !p.config.AllowISO3Fallback {
		return nil, refsErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	codes := make([]string, 0, len(requested))
	for _, iso3 := range requested {
		if code, ok := p.reporterCode[iso3]; ok && code != "" {
			codes = append(codes, code)
			continue
		}
		if !p.config.AllowISO3Fallback {
			return nil, fmt.Errorf("comtrade: missing reporter code for %s", iso3)
		}
		codes = append(codes, iso3)
	}
	return codes, nil
}

func (p *Provider) ensureReferences(ctx context.Context) error {
	p.mu.Lock()
	if p.refsLoaded {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	countries, codes, err := p.fetchReferences(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.countries = countries
	p.reporterCode = codes
	p.refsLoaded = true
	p.mu.Unlock()

	return nil
}

func (p *Provider) fetchReferences(ctx context.Context) ([]model.Country, map[string]string, error) {
	body, err := p.doRequest(ctx, p.config.ReportersURL, nil)
	if err != nil {
		return nil, nil, err
	}
	entries, err := parseReferenceEntries(body)
	if err != nil {
		return nil, nil, err
	}

	countries := make([]model.Country, 0)
	codes := make(map[string]string)
	for _, entry := range entries {
		iso3 := strings.ToUpper(strings.TrimSpace(entry.ISO3))
		if iso3 == "" || entry.IsGroup {
			continue
		}
		if entry.HasReporter && !entry.IsReporter {
			continue
		}

		code := strings.TrimSpace(entry.Code)
		if code == "" {
			code = iso3
		}
		codes[iso3] = code
		countries = append(countries, model.Country{
			ID:       code,
			ISO3:     iso3,
			Name:     strings.TrimSpace(entry.Name),
			IsActive: true,
		})
	}

	if len(countries) == 0 {
		return nil, nil, errors.New("comtrade: no reporters parsed")
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].ISO3 < countries[j].ISO3 })
	return countries, codes, nil
}

func (p *Provider) fetchYear(ctx context.Context, codes []string, flow, commodity string, year int, ref model.Ref) ([]model.Record, error) {
	params := url.Values{}
	if len(codes) > 0 {
		params.Set("reporterCode", strings.Join(codes, ","))
	}
	params.Set("flowCode", flow)
	params.Set("period", strconv.Itoa(year))
	params.Set("cmdCode", commodity)
	params.Set("partnerCode", p.config.PartnerCode)
	params.Set("format", p.config.Format)
	if p.config.MaxRecords > 0 {
		params.Set("maxRecords", strconv.Itoa(p.config.MaxRecords))
	}

	body, err := p.doRequest(ctx, p.dataURL(), params)
	if err != nil {
		return nil, err
	}

	records, err := parseRecords(body, ref, year, p.config.ValueMultiplier)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

func (p *Provider) dataURL() string {
	path := strings.TrimLeft(p.config.DataPath, "/")
	path = strings.ReplaceAll(path, "{type}", url.PathEscape(p.config.Type))
	path = strings.ReplaceAll(path, "{freq}", url.PathEscape(p.config.Frequency))
	path = strings.ReplaceAll(path, "{cl}", url.PathEscape(p.config.Classification))
	return strings.TrimRight(p.config.BaseURL, "/") + "/" + path
}

// doRequest tries the primary key, then the secondary one. 429 responses are
// retried after the advertised delay; 401/403 move on to the next key.
func (p *Provider) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	keys := []string{}
	if strings.TrimSpace(p.config.APIKeyPrimary) != "" {
		keys = append(keys, p.config.APIKeyPrimary)
	}
	if strings.TrimSpace(p.config.APIKeySecondary) != "" && p.config.APIKeySecondary != p.config.APIKeyPrimary {
		keys = append(keys, p.config.APIKeySecondary)
	}
	if len(keys) == 0 {
		return nil, errors.New("comtrade: api key is required (COMTRADE_PRIMARY_KEY)")
	}

	var lastErr error
	for _, key := range keys {
		attempts := p.config.MaxRetries + 1
		for attempt := 0; attempt < attempts; attempt++ {
			body, status, retryAfter, err := p.doRequestWithKey(ctx, endpoint, params, key)
			if err == nil {
				return body, nil
			}
			lastErr = err
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				break
			}
			if status == http.StatusTooManyRequests && attempt < attempts-1 {
				if retryAfter <= 0 {
					retryAfter = time.Second
				}
				if err := providers.SleepWithContext(ctx, retryAfter); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("comtrade: request failed")
}

func (p *Provider) doRequestWithKey(ctx context.Context, endpoint string, params url.Values, apiKey string) ([]byte, int, time.Duration, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.buildURL(endpoint, params, apiKey), nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", apiKey)
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, 0, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter := providers.RetryAfter(resp, body)
		if resp.StatusCode == http.StatusForbidden && isQuotaExceeded(body) {
			return nil, resp.StatusCode, retryAfter, fmt.Errorf("%w: %s", ErrQuotaExceeded, strings.TrimSpace(string(body)))
		}
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("comtrade: request failed (%s): %s", resp.Status, providers.Truncate(strings.TrimSpace(string(body)), 200))
	}

	return body, resp.StatusCode, 0, nil
}

func (p *Provider) buildURL(endpoint string, params url.Values, apiKey string) string {
	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if strings.TrimSpace(p.config.APIKeyParam) != "" {
		query.Set(p.config.APIKeyParam, apiKey)
	}
	if len(query) > 0 {
		return endpoint + "?" + query.Encode()
	}
	return endpoint
}

func parseReferenceEntries(body []byte) ([]referenceEntry, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	rows, err := extractRows(payload)
	if err != nil {
		return nil, err
	}

	entries := make([]referenceEntry, 0, len(rows))
	for _, row := range rows {
		code, _ := providers.FieldString(row, "id", "code", "reporterCode")
		iso3, _ := providers.FieldString(row, "iso3", "reporterCodeIsoAlpha3", "iso3Code", "rt3ISO")
		name, _ := providers.FieldString(row, "text", "reporterDesc", "name")
		entry := referenceEntry{
			Code: strings.TrimSpace(code),
			ISO3: strings.TrimSpace(iso3),
			Name: strings.TrimSpace(name),
		}
		entry.IsReporter, entry.HasReporter = providers.FieldBool(row, "isReporter", "reporter")
		entry.IsGroup, _ = providers.FieldBool(row, "isGroup", "group")
		entries = append(entries, entry)
	}

	return entries, nil
}

// parseRecords turns Comtrade data rows into indicator records. Rows without
// a reporter are dropped; rows without a trade value keep a nil value.
func parseRecords(body []byte, ref model.Ref, year int, multiplier float64) ([]model.Record, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	rows, err := extractRows(payload)
	if err != nil {
		return nil, err
	}

	records := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		iso3, ok := providers.FieldString(row, "reporterISO", "rt3ISO", "reporterCodeIsoAlpha3")
		if !ok {
			continue
		}
		iso3 = strings.ToUpper(iso3)
		name, _ := providers.FieldString(row, "reporterDesc", "rtTitle")
		code, _ := providers.FieldString(row, "reporterCode", "rtCode")

		date := strconv.Itoa(year)
		if value, ok := providers.FieldString(row, "refYear", "period", "yr"); ok {
			if parsed, ok := parseYear(value); ok {
				date = strconv.Itoa(parsed)
			}
		}

		record := model.Record{
			Indicator:   ref,
			Country:     model.Ref{ID: providers.FirstNonEmpty(code, iso3), Value: providers.FirstNonEmpty(name, iso3)},
			CountryISO3: iso3,
			Date:        date,
			Unit:        defaultUnit,
		}
		if value, ok := providers.FieldFloat(row, "primaryValue", "TradeValue", "tradeValue"); ok {
			scaled := value * multiplier
			record.Value = &scaled
		}
		records = append(records, record)
	}

	return records, nil
}

// yearRange expands from/to into an ascending list of years. Missing bounds
// fall back to the other bound, or to the last lookback years.
func yearRange(from, to, lookback, current int) []int {
	if from <= 0 && to <= 0 {
		from = current - lookback
		to = current
	}
	if from <= 0 {
		from = to
	}
	if to <= 0 {
		to = from
	}
	if from > to {
		from, to = to, from
	}
	years := make([]int, 0, to-from+1)
	for year := from; year <= to; year++ {
		years = append(years, year)
	}
	return years
}

func parseYear(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if len(value) < 4 || !isDigits(value[:4]) {
		return 0, false
	}
	year, err := strconv.Atoi(value[:4])
	if err != nil {
		return 0, false
	}
	return year, true
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func extractRows(payload any) ([]map[string]any, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, nil
	case []any:
		rows := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			if row, ok := item.(map[string]any); ok {
				rows = append(rows, row)
			}
		}
		return rows, nil
	case map[string]any:
		for _, key := range []string{"data", "Data", "dataset", "results", "items"} {
			if raw, ok := typed[key]; ok {
				return extractRows(raw)
			}
		}
		return nil, errors.New("comtrade: unexpected response shape")
	default:
		return nil, errors.New("comtrade: unexpected response type")
	}
}

func isQuotaExceeded(body []byte) bool {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return strings.Contains(strings.ToLower(payload.Message), "quota")
	}
	return strings.Contains(strings.ToLower(string(body)), "quota")
}

var _ providers.Provider = (*Provider)(nil)
