package wits

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"wbtrends/internal/model"
	"wbtrends/internal/providers"
)

const (
	defaultBaseURL           = "https://wits.worldbank.org/API/V1/"
	defaultTradePathTemplate = "SDMX/V21/datasource/tradestats-trade/reporter/{reporter}/year/{year}/partner/{partner}/product/{product}/indicator/{indicator}"
	defaultReportersPath     = "wits/datasource/tradestats-trade/country/ALL"
	defaultAPIKeyParam       = "token"
	defaultFormatParam       = "format"
	defaultFormatValue       = "JSON"
	defaultRateLimitPerSec   = 5
	defaultRateLimitBurst    = 5
	defaultTimeoutSeconds    = 20
	defaultUserAgent         = "wbtrends/0.1"
	defaultPartnerCode       = "WLD"
	defaultProductCode       = "Total"
	defaultYearAllValue      = "all"
	defaultValueMultiplier   = 1000
	defaultUnit              = "US$"
)

var ErrNoRecords = errors.New("wits: no records found")

type Config struct {
	BaseURL           string
	TradePathTemplate string
	ReportersPath     string
	APIKey            string
	APIKeyParam       string
	FormatParam       string
	FormatValue       string
	RateLimitPerSec   int
	RateLimitBurst    int
	Timeout           time.Duration
	UserAgent         string
	PartnerCode       string
	ProductCode       string
	YearAllValue      string
	ValueMultiplier   float64
}

// Provider serves WITS trade statistics (for example XPRT-TRD-VL, total
// exports in US$) as indicator records, one series per reporter against a
// single partner.
type Provider struct {
	config  Config
	client  *http.Client
	limiter *providers.RateLimiter
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
		return nil, errors.New("wits base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"
	if strings.TrimSpace(cfg.TradePathTemplate) == "" {
		cfg.TradePathTemplate = defaultTradePathTemplate
	}
	if strings.TrimSpace(cfg.ReportersPath) == "" {
		cfg.ReportersPath = defaultReportersPath
	}
	if cfg.APIKeyParam == "" {
		cfg.APIKeyParam = defaultAPIKeyParam
	}
	if cfg.FormatParam == "" {
		cfg.FormatParam = defaultFormatParam
	}
	if cfg.FormatValue == "" {
		cfg.FormatValue = defaultFormatValue
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.PartnerCode == "" {
		cfg.PartnerCode = defaultPartnerCode
	}
	if cfg.ProductCode == "" {
		cfg.ProductCode = defaultProductCode
	}
	if cfg.YearAllValue == "" {
		cfg.YearAllValue = defaultYearAllValue
	}
	if cfg.ValueMultiplier == 0 {
		cfg.ValueMultiplier = defaultValueMultiplier
	}
	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: providers.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
	}, nil
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:           providers.Getenv("WITS_BASE_URL", defaultBaseURL),
		TradePathTemplate: providers.Getenv("WITS_TRADE_PATH", defaultTradePathTemplate),
		ReportersPath:     providers.Getenv("WITS_REPORTERS_PATH", defaultReportersPath),
		APIKey:            strings.TrimSpace(os.Getenv("WITS_API_KEY")),
		APIKeyParam:       providers.Getenv("WITS_API_KEY_PARAM", defaultAPIKeyParam),
		FormatParam:       providers.Getenv("WITS_FORMAT_PARAM", defaultFormatParam),
		FormatValue:       providers.Getenv("WITS_FORMAT_VALUE", defaultFormatValue),
		UserAgent:         providers.Getenv("WITS_USER_AGENT", defaultUserAgent),
		PartnerCode:       providers.Getenv("WITS_PARTNER", defaultPartnerCode),
		ProductCode:       providers.Getenv("WITS_PRODUCT_CODE", defaultProductCode),
		YearAllValue:      providers.Getenv("WITS_YEAR_ALL", defaultYearAllValue),
		ValueMultiplier:   providers.GetenvFloat("WITS_VALUE_MULTIPLIER", defaultValueMultiplier),
	}

	cfg.RateLimitPerSec = providers.GetenvInt("WITS_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec)
	cfg.RateLimitBurst = providers.GetenvInt("WITS_RATE_LIMIT_BURST", defaultRateLimitBurst)
	cfg.Timeout = time.Duration(providers.GetenvInt("WITS_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second

	return cfg, nil
}

func (p *Provider) Name() string {
	return "wits"
}

func (p *Provider) Close() error {
	p.limiter.Stop()
	return nil
}

func (p *Provider) ListCountries(ctx context.Context) ([]model.Country, error) {
	body, err := p.doRequest(ctx, p.config.ReportersPath, nil, "application/xml")
	if err != nil {
		return nil, err
	}
	countries, err := parseReportersXML(body)
	if err != nil {
		return nil, err
	}
	if len(countries) == 0 {
		return nil, errors.New("wits: no reporters parsed")
	}
	return countries, nil
}

// FetchIndicator requests one SDMX series per reporter. Reporters without
// data are skipped; ErrNoRecords is returned only when nothing came back.
// An empty country list (or "all") expands to every WITS reporter.
func (p *Provider) FetchIndicator(ctx context.Context, query model.Query) ([]model.Record, error) {
	indicator := strings.TrimSpace(query.Indicator)
	if indicator == "" {
		return nil, errors.New("wits: indicator is required")
	}

	reporters, err := p.resolveReporters(ctx, query.Countries)
	if err != nil {
		return nil, err
	}
	yearValue := p.yearValue(query.From, query.To)

	records := make([]model.Record, 0)
	for _, reporter := range reporters {
		path, params := p.tradePath(reporter, p.config.PartnerCode, indicator, yearValue)
		var payload sdmxResponse
		if err := p.doJSON(ctx, path, params, &payload); err != nil {
			if errors.Is(err, ErrNoRecords) {
				continue
			}
			return nil, err
		}
		parsed, err := parseSDMXRecords(payload, indicator, reporter, p.config.ValueMultiplier)
		if err != nil {
			if errors.Is(err, ErrNoRecords) {
				continue
			}
			return nil, fmt.Errorf("wits: reporter %s: %w", reporter, err)
		}
		records = append(records, parsed...)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

func (p *Provider) resolveReporters(ctx context.Context, countries []string) ([]string, error) {
	reporters := make([]string, 0, len(countries))
	for _, country := range countries {
		code := strings.ToUpper(strings.TrimSpace(country))
		if code == "" {
			continue
		}
		if code == "ALL" {
			reporters = reporters[:0]
			break
		}
		reporters = append(reporters, code)
	}
	if len(reporters) > 0 {
		return reporters, nil
	}

	listed, err := p.ListCountries(ctx)
	if err != nil {
		return nil, err
	}
	for _, country := range listed {
		reporters = append(reporters, country.ISO3)
	}
	return reporters, nil
}

// yearValue lists every requested year separated by ";", the form the SDMX
// endpoint accepts for multiple years.
func (p *Provider) yearValue(from, to int) string {
	if from <= 0 && to <= 0 {
		return p.config.YearAllValue
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
	years := make([]string, 0, to-from+1)
	for year := from; year <= to; year++ {
		years = append(years, strconv.Itoa(year))
	}
	return strings.Join(years, ";")
}

func (p *Provider) tradePath(reporterISO3, partnerISO3, indicator, yearValue string) (string, url.Values) {
	path := p.config.TradePathTemplate
	params := url.Values{}

	replace := func(placeholder, param, value string) {
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		} else if value != "" {
			params.Set(param, value)
		}
	}
	replace("{reporter}", "reporter", reporterISO3)
	replace("{partner}", "partner", partnerISO3)
	replace("{indicator}", "indicator", indicator)
	replace("{product}", "product", p.config.ProductCode)
	replace("{year}", "year", yearValue)

	return path, params
}

func (p *Provider) doJSON(ctx context.Context, path string, params url.Values, dest any) error {
	body, err := p.doRequest(ctx, path, params, "application/json")
	if err != nil {
		return err
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	return decoder.Decode(dest)
}

func (p *Provider) doRequest(ctx context.Context, path string, params url.Values, accept string) ([]byte, error) {
	endpoint := p.buildURL(path, params)

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound && strings.Contains(string(body), "NoRecordsFound") {
		return nil, ErrNoRecords
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("wits: request failed (%s): %s", resp.Status, providers.Truncate(strings.TrimSpace(string(body)), 200))
	}
	return body, nil
}

func (p *Provider) buildURL(path string, params url.Values) string {
	base := strings.TrimRight(p.config.BaseURL, "/")
	endpoint := base + "/" + strings.TrimLeft(path, "/")

	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if p.config.APIKey != "" && p.config.APIKeyParam != "" {
		query.Set(p.config.APIKeyParam, p.config.APIKey)
	}
	if p.config.FormatParam != "" && p.config.FormatValue != "" {
		query.Set(p.config.FormatParam, p.config.FormatValue)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

type witsCountryList struct {
	Countries []witsCountry `xml:"countries>country"`
}

type witsCountry struct {
	ISO3       string `xml:"iso3Code"`
	Name       string `xml:"name"`
	IsReporter string `xml:"isreporter,attr"`
	IsGroup    string `xml:"isgroup,attr"`
}

func parseReportersXML(payload []byte) ([]model.Country, error) {
	var response witsCountryList
	if err := xml.Unmarshal(payload, &response); err != nil {
		return nil, err
	}

	countries := make([]model.Country, 0, len(response.Countries))
	for _, country := range response.Countries {
		iso3 := strings.ToUpper(strings.TrimSpace(country.ISO3))
		if iso3 == "" {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(country.IsReporter), "1") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(country.IsGroup), "yes") {
			continue
		}
		countries = append(countries, model.Country{
			ID:       iso3,
			ISO3:     iso3,
			Name:     strings.TrimSpace(country.Name),
			IsActive: true,
		})
	}
	return countries, nil
}

type sdmxResponse struct {
	DataSets  []sdmxDataSet `json:"dataSets"`
	Structure sdmxStructure `json:"structure"`
}

type sdmxDataSet struct {
	Series map[string]sdmxSeries `json:"series"`
}

type sdmxSeries struct {
	Observations map[string][]any `json:"observations"`
}

type sdmxStructure struct {
	Dimensions sdmxDimensions `json:"dimensions"`
}

type sdmxDimensions struct {
	Series      []sdmxDimension `json:"series"`
	Observation []sdmxDimension `json:"observation"`
}

type sdmxDimension struct {
	ID     string      `json:"id"`
	Values []sdmxValue `json:"values"`
}

type sdmxValue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// parseSDMXRecords flattens an SDMX-JSON dataset into indicator records,
// ordered by year. An observation whose value is absent or unparseable keeps
// a nil Value so it is reported as missing rather than zero.
func parseSDMXRecords(payload sdmxResponse, indicator, reporterISO3 string, multiplier float64) ([]model.Record, error) {
	if len(payload.DataSets) == 0 {
		return nil, errors.New("wits: missing dataset")
	}
	if len(payload.Structure.Dimensions.Observation) == 0 {
		return nil, errors.New("wits: missing observation dimension")
	}

	seriesDims := payload.Structure.Dimensions.Series
	timeDim := payload.Structure.Dimensions.Observation[0]

	dataSet := payload.DataSets[0]
	if len(dataSet.Series) == 0 {
		return nil, ErrNoRecords
	}

	records := make([]model.Record, 0)
	for seriesKey, series := range dataSet.Series {
		indices, ok := parseSeriesKey(seriesKey, len(seriesDims))
		if !ok {
			continue
		}

		reporter := model.Ref{ID: strings.ToUpper(reporterISO3), Value: strings.ToUpper(reporterISO3)}
		indicatorRef := model.Ref{ID: indicator, Value: indicator}
		for i, dim := range seriesDims {
			if i >= len(indices) || indices[i] < 0 || indices[i] >= len(dim.Values) {
				continue
			}
			value := dim.Values[indices[i]]
			switch strings.ToUpper(dim.ID) {
			case "REPORTER":
				reporter.ID = strings.ToUpper(value.ID)
				reporter.Value = providers.FirstNonEmpty(strings.TrimSpace(value.Name), reporter.ID)
			case "INDICATOR":
				indicatorRef.ID = value.ID
				indicatorRef.Value = providers.FirstNonEmpty(strings.TrimSpace(value.Name), value.ID)
			}
		}

		for obsKey, obsValue := range series.Observations {
			index, err := strconv.Atoi(obsKey)
			if err != nil || index < 0 || index >= len(timeDim.Values) {
				continue
			}
			record := model.Record{
				Indicator:   indicatorRef,
				Country:     reporter,
				CountryISO3: reporter.ID,
				Date:        strings.TrimSpace(timeDim.Values[index].ID),
				Unit:        defaultUnit,
			}
			if value, ok := parseSDMXValue(obsValue); ok {
				scaled := value * multiplier
				record.Value = &scaled
			}
			records = append(records, record)
		}
	}

	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CountryISO3 != records[j].CountryISO3 {
			return records[i].CountryISO3 < records[j].CountryISO3
		}
		return records[i].Date < records[j].Date
	})
	return records, nil
}

func parseSeriesKey(key string, expected int) ([]int, bool) {
	parts := strings.Split(key, ":")
	if expected > 0 && len(parts) != expected {
		return nil, false
	}
	indices := make([]int, len(parts))
	for i, part := range parts {
		index, err := strconv.Atoi(part)
		if err != nil {
			return nil, false
		}
		indices[i] = index
	}
	return indices, true
}

func parseSDMXValue(values []any) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	switch typed := values[0].(type) {
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case float64:
		return typed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

var _ providers.Provider = (*Provider)(nil)
