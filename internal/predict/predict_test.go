package predict

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"wbtrends/internal/config"
	"wbtrends/internal/model"
)

func ptr(v float64) *float64 { return &v }

func samplePayload() Payload {
	return Payload{
		Name:      "api_results_SP.POP.TOTL.json",
		Indicator: "SP.POP.TOTL",
		Timestamp: "2024-03-01T10:00:00Z",
		Records: []model.Record{
			{Country: model.Ref{ID: "US", Value: "United States"}, CountryISO3: "USA", Date: "2020", Value: ptr(331501080)},
			{Country: model.Ref{ID: "US", Value: "United States"}, CountryISO3: "USA", Date: "2019", Value: nil},
		},
	}
}

func TestGitHubPredict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gh-token" {
			t.Errorf("unexpected authorization %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "phi-3.5-mini-instruct" || req.MaxTokens != 512 || req.Temperature != 0.3 {
			t.Errorf("unexpected request %+v", req)
		}
		if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "Indicator: SP.POP.TOTL") {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Population keeps rising."}}]}`))
	}))
	defer server.Close()

	client, err := New(config.LLM{
		Provider:       config.ProviderGitHub,
		ProviderAPIKey: "gh-token",
		ModelName:      "phi-3.5",
		Temperature:    0.3,
		MaxTokens:      512,
		MaxRecords:     10,
	}, Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.Model() != "phi-3.5-mini-instruct" || client.Name() != "github" {
		t.Errorf("unexpected client %s/%s", client.Name(), client.Model())
	}

	answer, err := client.Predict(context.Background(), samplePayload(), "")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if answer != "Population keeps rising." {
		t.Errorf("unexpected answer %q", answer)
	}
}

func TestGitHubPredictErrorIncludesAPIMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Bad credentials"}}`))
	}))
	defer server.Close()

	client, err := New(config.LLM{Provider: config.ProviderGitHub, ProviderAPIKey: "bad", ModelName: "gpt-4o-mini"}, Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = client.Predict(context.Background(), samplePayload(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "Bad credentials") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestAnthropicCompare(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("unexpected headers %v", r.Header)
		}
		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.MaxTokens != compareMaxTokens || req.Model != "claude-3-haiku-20240307" {
			t.Errorf("unexpected request %+v", req)
		}
		prompt := req.Messages[0].Content
		if !strings.Contains(prompt, "File: a.json") || !strings.Contains(prompt, "\n---\n") {
			t.Errorf("unexpected compare prompt %q", prompt)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Both indicators move together."}]}`))
	}))
	defer server.Close()

	client, err := New(config.LLM{
		Provider:       config.ProviderAnthropic,
		ProviderAPIKey: "sk-test",
		ModelName:      "claude-3-haiku-20240307",
		MaxTokens:      1024,
	}, Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	a, b := samplePayload(), samplePayload()
	a.Name, b.Name = "a.json", "b.json"
	answer, err := client.Compare(context.Background(), []Payload{a, b}, "How do they relate?")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if answer != "Both indicators move together." {
		t.Errorf("unexpected answer %q", answer)
	}

	if _, err := client.Compare(context.Background(), []Payload{a}, "?"); err == nil {
		t.Error("expected error comparing a single dataset")
	}
}

func TestNewRequiresKeyAndKnownProvider(t *testing.T) {
	if _, err := New(config.LLM{Provider: config.ProviderGitHub}, Config{}); err == nil {
		t.Error("expected error without api key")
	}
	if _, err := New(config.LLM{Provider: "openai", ProviderAPIKey: "x"}, Config{}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestResolveGitHubModel(t *testing.T) {
	tests := map[string]string{
		"llama-3.1-405b":    "meta-llama-3.1-405b-instruct",
		"claude-3-5-sonnet": "claude-3.5-sonnet",
		"gpt-4o":            "gpt-4o",
		"mistral-large":     "mistral-large",
	}
	for alias, want := range tests {
		if got := ResolveGitHubModel(alias); got != want {
			t.Errorf("ResolveGitHubModel(%q) = %q, want %q", alias, got, want)
		}
	}
	if len(GitHubModelAliases()) != len(gitHubModels) {
		t.Error("expected every alias to be listed")
	}
}

func TestSavePredictionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", PredictionFileName("github", "data/api_results_SP.POP.TOTL.json"))
	if filepath.Base(path) != "prediction_github_api_results_SP.POP.TOTL.txt" {
		t.Errorf("unexpected file name %s", filepath.Base(path))
	}
	if err := SavePrediction(path, "gpt-4o-mini", "- Growth is likely to continue through 2030."); err != nil {
		t.Fatalf("save: %v", err)
	}
	inspection, err := InspectFile(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if inspection.Model != "gpt-4o-mini" || inspection.LineCount != 3 {
		t.Errorf("unexpected inspection %+v", inspection)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		value string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"aé", 2, "a..."},
		{"日本語", 4, "日..."},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		got := truncate(tt.value, tt.limit)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.value, tt.limit, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.value, tt.limit)
		}
	}
}
