package worldbank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"wbtrends/internal/dataset"
	"wbtrends/internal/model"
	"wbtrends/internal/providers"
	"wbtrends/internal/slogx"
)

const (
	defaultBaseURL         = "https://api.worldbank.org/v2/"
	defaultPerPage         = 1000
	defaultMaxPages        = 200
	defaultRateLimitPerSec = 5
	defaultRateLimitBurst  = 5
	defaultTimeoutSeconds  = 20
	defaultUserAgent       = "wbtrends/0.1"
	aggregateRegionID      = "NA"
)

var ErrNoRecords = errors.New("worldbank: no records found")

type Config struct {
	BaseURL         string
	PerPage         int
	MaxPages        int
	Source          string
	RateLimitPerSec int
	RateLimitBurst  int
	Timeout         time.Duration
	UserAgent       string
	// Logger receives a warning for every record dropped as malformed.
	Logger *slog.Logger
}

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
		return nil, errors.New("worldbank base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
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
	if cfg.Logger == nil {
		cfg.Logger = slogx.Discard()
	}
	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: providers.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
	}, nil
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:   providers.Getenv("WB_BASE_URL", defaultBaseURL),
		Source:    strings.TrimSpace(os.Getenv("WB_SOURCE")),
		UserAgent: providers.Getenv("WB_USER_AGENT", defaultUserAgent),
	}
	cfg.PerPage = providers.GetenvInt("WB_PER_PAGE", defaultPerPage)
	cfg.MaxPages = providers.GetenvInt("WB_MAX_PAGES", defaultMaxPages)
	cfg.RateLimitPerSec = providers.GetenvInt("WB_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec)
	cfg.RateLimitBurst = providers.GetenvInt("WB_RATE_LIMIT_BURST", defaultRateLimitBurst)
	cfg.Timeout = time.Duration(providers.GetenvInt("WB_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second
	return cfg, nil
}

func (p *Provider) Name() string {
	return "worldbank"
}

func (p *Provider) Close() error {
	p.limiter.Stop()
	return nil
}

type countryEntry struct {
	ID       string `json:"id"`
	ISO2Code string `json:"iso2Code"`
	Name     string `json:"name"`
	Region   struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	} `json:"region"`
}

// ListCountries returns sovereign entries only; regional and income aggregates
// are dropped.
func (p *Provider) ListCountries(ctx context.Context) ([]model.Country, error) {
	countries := make([]model.Country, 0)
	err := p.paginate(ctx, "country", url.Values{}, func(page json.RawMessage) error {
		var entries []countryEntry
		if err := json.Unmarshal(page, &entries); err != nil {
			return err
		}
		for _, entry := range entries {
			iso3 := strings.ToUpper(strings.TrimSpace(entry.ID))
			if iso3 == "" || strings.EqualFold(strings.TrimSpace(entry.Region.ID), aggregateRegionID) {
				continue
			}
			countries = append(countries, model.Country{
				ID:       strings.ToUpper(strings.TrimSpace(entry.ISO2Code)),
				ISO3:     iso3,
				Name:     strings.TrimSpace(entry.Name),
				Region:   strings.TrimSpace(entry.Region.Value),
				IsActive: true,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(countries) == 0 {
		return nil, errors.New("worldbank: no countries parsed")
	}
	return countries, nil
}

// FetchIndicator downloads every page of an indicator for the requested
// countries. MRNEV and gap filling are forwarded to the API unchanged.
func (p *Provider) FetchIndicator(ctx context.Context, query model.Query) ([]model.Record, error) {
	indicator := strings.TrimSpace(query.Indicator)
	if indicator == "" {
		return nil, errors.New("worldbank: indicator is required")
	}

	path := "country/" + countryPath(query.Countries) + "/indicator/" + url.PathEscape(indicator)
	params := url.Values{}
	if date := dateParam(query.From, query.To); date != "" {
		params.Set("date", date)
	}
	if query.MRNEV > 0 {
		params.Set("mrnev", strconv.Itoa(query.MRNEV))
	}
	if query.GapFill {
		params.Set("gapfill", "Y")
	}
	if p.config.Source != "" {
		params.Set("source", p.config.Source)
	}

	records := make([]model.Record, 0)
	err := p.paginate(ctx, path, params, func(page json.RawMessage) error {
		batch, skipped, err := dataset.DecodeRecords(page, p.config.Logger)
		if err != nil {
			return err
		}
		if skipped > 0 {
			p.config.Logger.Warn("worldbank page had malformed records", "indicator", indicator, "skipped", skipped)
		}
		records = append(records, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

func countryPath(countries []string) string {
	codes := make([]string, 0, len(countries))
	for _, country := range countries {
		code := strings.ToUpper(strings.TrimSpace(country))
		if code == "" {
			continue
		}
		if code == "ALL" {
			return "all"
		}
		codes = append(codes, url.PathEscape(code))
	}
	if len(codes) == 0 {
		return "all"
	}
	return strings.Join(codes, ";")
}

func dateParam(from, to int) string {
	switch {
	case from > 0 && to > 0 && from != to:
		if from > to {
			from, to = to, from
		}
		return fmt.Sprintf("%d:%d", from, to)
	case from > 0:
		return strconv.Itoa(from)
	case to > 0:
		return strconv.Itoa(to)
	default:
		return ""
	}
}

type pageMeta struct {
	Page    flexInt `json:"page"`
	Pages   flexInt `json:"pages"`
	PerPage flexInt `json:"per_page"`
	Total   flexInt `json:"total"`
}

type apiMessage struct {
	Message []struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"message"`
}

// flexInt accepts both 50 and "50"; the API has served both over time.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if trimmed == "" || trimmed == "null" {
		*f = 0
		return nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return fmt.Errorf("worldbank: bad integer %s", string(data))
	}
	*f = flexInt(value)
	return nil
}

func (p *Provider) paginate(ctx context.Context, path string, params url.Values, handle func(json.RawMessage) error) error {
	for page := 1; page <= p.config.MaxPages; page++ {
		query := url.Values{}
		for key, values := range params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		query.Set("page", strconv.Itoa(page))
		query.Set("per_page", strconv.Itoa(p.config.PerPage))

		body, err := p.doRequest(ctx, path, query)
		if err != nil {
			return err
		}
		meta, data, err := splitPage(body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := handle(data); err != nil {
				return err
			}
		}
		if int(meta.Pages) <= page {
			return nil
		}
	}
	return fmt.Errorf("worldbank: more than %d pages for %s", p.config.MaxPages, path)
}

func splitPage(body []byte) (pageMeta, json.RawMessage, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return pageMeta{}, nil, fmt.Errorf("worldbank: unexpected response: %w", err)
	}
	if len(elements) == 0 {
		return pageMeta{}, nil, errors.New("worldbank: empty response")
	}

	var message apiMessage
	if err := json.Unmarshal(elements[0], &message); err == nil && len(message.Message) > 0 {
		first := message.Message[0]
		return pageMeta{}, nil, fmt.Errorf("worldbank: api error %s (%s): %s", first.ID, first.Key, strings.TrimSpace(first.Value))
	}

	var meta pageMeta
	if err := json.Unmarshal(elements[0], &meta); err != nil {
		return pageMeta{}, nil, fmt.Errorf("worldbank: bad page metadata: %w", err)
	}
	if len(elements) < 2 {
		return meta, nil, nil
	}
	data := bytes.TrimSpace(elements[1])
	if bytes.Equal(data, []byte("null")) {
		return meta, nil, nil
	}
	return meta, data, nil
}

func (p *Provider) doRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := p.buildURL(path, params)

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
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
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("worldbank: request failed (%s): %s", resp.Status, providers.Truncate(strings.TrimSpace(string(body)), 200))
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
	query.Set("format", "json")
	return endpoint + "?" + query.Encode()
}

var _ providers.Provider = (*Provider)(nil)
