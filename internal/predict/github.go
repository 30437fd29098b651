package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"wbtrends/internal/config"
)

const defaultGitHubBaseURL = "https://models.inference.ai.azure.com"

// gitHubModels maps accepted short names to GitHub Models ids.
var gitHubModels = map[string]string{
	"gpt-4o":              "gpt-4o",
	"gpt-4o-mini":         "gpt-4o-mini",
	"claude-3.5-sonnet":   "claude-3.5-sonnet",
	"claude-3-5-sonnet":   "claude-3.5-sonnet",
	"meta-llama-3.1-405b": "meta-llama-3.1-405b-instruct",
	"llama-3.1-405b":      "meta-llama-3.1-405b-instruct",
	"phi-3.5":             "phi-3.5-mini-instruct",
	"phi-3.5-mini":        "phi-3.5-mini-instruct",
}

// ResolveGitHubModel maps an alias to its model id. Unknown names pass through.
func ResolveGitHubModel(name string) string {
	if id, ok := gitHubModels[strings.TrimSpace(name)]; ok {
		return id
	}
	return strings.TrimSpace(name)
}

// GitHubModelAliases lists the accepted aliases in sorted order.
func GitHubModelAliases() []string {
	aliases := make([]string, 0, len(gitHubModels))
	for alias := range gitHubModels {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

type gitHubBackend struct {
	baseURL     string
	token       string
	model       string
	temperature float64
	client      *http.Client
}

func newGitHubBackend(settings config.LLM, modelID string, cfg Config) *gitHubBackend {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultGitHubBaseURL
	}
	return &gitHubBackend{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       settings.ProviderAPIKey,
		model:       modelID,
		temperature: settings.Temperature,
		client:      cfg.HTTPClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *gitHubBackend) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	request := chatRequest{
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Model:       b.model,
		Temperature: b.temperature,
		MaxTokens:   maxTokens,
	}
	status, body, err := postJSON(ctx, b.client, b.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + b.token,
	}, request)
	if err != nil {
		return "", fmt.Errorf("predict: github models request: %w", err)
	}

	var resp chatResponse
	decodeErr := json.Unmarshal(body, &resp)
	if status != http.StatusOK {
		detail := truncate(strings.TrimSpace(string(body)), 200)
		if decodeErr == nil && resp.Error != nil && resp.Error.Message != "" {
			detail = resp.Error.Message
		}
		return "", fmt.Errorf("predict: github models request failed with status %d; check GITHUB_TOKEN and that model %q is available: %s", status, b.model, detail)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("predict: decode github models response: %w", decodeErr)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("predict: github models returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
