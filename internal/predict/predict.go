// Package predict sends dataset summaries to hosted language models and
// inspects the commentary they return. Nothing here feeds back into the
// analyzer; predictions are free text.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"wbtrends/internal/config"
	"wbtrends/internal/model"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxRecords  = 10
	defaultMaxTokens   = 1024
	compareMaxRecords  = 5
	compareMaxTokens   = 1500
	predictionRuleSize = 80
)

type Predictor interface {
	Name() string
	Model() string
	Predict(ctx context.Context, payload Payload, question string) (string, error)
	Compare(ctx context.Context, payloads []Payload, question string) (string, error)
}

// Payload is one dataset as shown to a model. Report is optional; when set
// its summary is appended to the prompt.
type Payload struct {
	Name      string
	Indicator string
	Timestamp string
	Records   []model.Record
	Report    *model.Report
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// completer is the provider-specific half of a predictor: one prompt in,
// one text answer out.
type completer interface {
	complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

type Client struct {
	name     string
	model    string
	settings config.LLM
	backend  completer
}

// New builds the predictor for settings.Provider.
func New(settings config.LLM, cfg Config) (*Client, error) {
	if strings.TrimSpace(settings.ProviderAPIKey) == "" {
		return nil, fmt.Errorf("predict: %s api key is required", settings.Provider)
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	if settings.MaxRecords <= 0 {
		settings.MaxRecords = defaultMaxRecords
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = defaultMaxTokens
	}

	c := &Client{name: settings.Provider, settings: settings}
	switch settings.Provider {
	case config.ProviderGitHub:
		c.model = ResolveGitHubModel(settings.ModelName)
		c.backend = newGitHubBackend(settings, c.model, cfg)
	case config.ProviderAnthropic:
		c.model = settings.ModelName
		c.backend = newAnthropicBackend(settings, c.model, cfg)
	default:
		return nil, fmt.Errorf("predict: unknown provider %q", settings.Provider)
	}
	return c, nil
}

func (c *Client) Name() string  { return c.name }
func (c *Client) Model() string { return c.model }

func (c *Client) Predict(ctx context.Context, payload Payload, question string) (string, error) {
	summary := BuildDataSummary(payload, c.settings.MaxRecords)
	return c.backend.complete(ctx, TrendPrompt(summary, question), c.settings.MaxTokens)
}

func (c *Client) Compare(ctx context.Context, payloads []Payload, question string) (string, error) {
	if len(payloads) < 2 {
		return "", errors.New("predict: compare needs at least two datasets")
	}
	summaries := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		summaries = append(summaries, fmt.Sprintf("File: %s\n%s\n", payload.Name, BuildDataSummary(payload, compareMaxRecords)))
	}
	return c.backend.complete(ctx, ComparePrompt(summaries, question), compareMaxTokens)
}

// PredictionFileName is the output name for a prediction made from dataPath.
func PredictionFileName(provider, dataPath string) string {
	stem := strings.TrimSuffix(filepath.Base(dataPath), filepath.Ext(dataPath))
	return fmt.Sprintf("prediction_%s_%s.txt", provider, stem)
}

// SavePrediction writes the model name header followed by the answer text.
// Inspect reads the header back.
func SavePrediction(path, modelName, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("Model: %s\n%s\n%s", modelName, strings.Repeat("=", predictionRuleSize), text)
	return os.WriteFile(path, []byte(content), 0o644)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("predict: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// truncate cuts value to at most limit bytes, backing up to a rune boundary.
func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}
