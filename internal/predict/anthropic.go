package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"wbtrends/internal/config"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

type anthropicBackend struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func newAnthropicBackend(settings config.LLM, modelID string, cfg Config) *anthropicBackend {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicBackend{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      settings.ProviderAPIKey,
		model:       modelID,
		temperature: settings.Temperature,
		client:      cfg.HTTPClient,
	}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *anthropicBackend) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	request := messagesRequest{
		Model:       b.model,
		MaxTokens:   maxTokens,
		Temperature: b.temperature,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}
	status, body, err := postJSON(ctx, b.client, b.baseURL+"/v1/messages", map[string]string{
		"x-api-key":         b.apiKey,
		"anthropic-version": anthropicVersion,
	}, request)
	if err != nil {
		return "", fmt.Errorf("predict: anthropic request: %w", err)
	}

	var resp messagesResponse
	decodeErr := json.Unmarshal(body, &resp)
	if status != http.StatusOK {
		detail := truncate(strings.TrimSpace(string(body)), 200)
		if decodeErr == nil && resp.Error != nil && resp.Error.Message != "" {
			detail = resp.Error.Type + ": " + resp.Error.Message
		}
		return "", fmt.Errorf("predict: anthropic request failed with status %d; check ANTHROPIC_API_KEY and model %q: %s", status, b.model, detail)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("predict: decode anthropic response: %w", decodeErr)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("predict: anthropic returned no text content")
}
