// Package config resolves credentials and settings once at process start.
//
// Sources, highest priority first: the YAML config file, environment
// variables (optionally seeded from a .env file), built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"wbtrends/internal/analysis"
)

const (
	ProviderGitHub    = "github"
	ProviderAnthropic = "anthropic"

	defaultGitHubModel     = "gpt-4o-mini"
	defaultAnthropicModel  = "claude-3-haiku-20240307"
	defaultMaxRecords      = 10
	defaultTemperature     = 0.7
	defaultMaxTokens       = 1024
	defaultForecastHorizon = 5
	defaultTrendThreshold  = 0.01
	defaultLogLevel        = "info"
)

// SearchPaths are tried in order when no explicit config path is given.
var SearchPaths = []string{
	"config/config.yaml",
	"prediction/config/config.yaml",
	"config.yaml",
}

type Config struct {
	APIKeys  APIKeys  `yaml:"api_keys"`
	Models   Models   `yaml:"models"`
	Analysis Analysis `yaml:"analysis"`
	Storage  Storage  `yaml:"storage"`
	LogLevel string   `yaml:"log_level"`

	// Path is the file the config was read from, empty when none was found.
	Path string `yaml:"-"`
}

type APIKeys struct {
	GitHubToken  string `yaml:"github_token"`
	AnthropicKey string `yaml:"anthropic_key"`
}

type Models struct {
	GitHubDefault    string `yaml:"github_default"`
	AnthropicDefault string `yaml:"anthropic_default"`
}

type Analysis struct {
	MaxRecords      int     `yaml:"max_records"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	ForecastHorizon int     `yaml:"forecast_horizon"`
	TrendThreshold  float64 `yaml:"trend_threshold"`
}

type Storage struct {
	DBPath string `yaml:"db_path"`
}

// LLM is the record handed to a predictor constructor.
type LLM struct {
	Provider       string
	ProviderAPIKey string
	ModelName      string
	Temperature    float64
	MaxTokens      int
	MaxRecords     int
}

type Status struct {
	ConfigFileLoaded bool
	ConfigPath       string
	GitHubToken      bool
	AnthropicKey     bool
	GitHubModel      string
	AnthropicModel   string
}

// Load reads .env (if present), then the YAML file at path or the first
// existing file in SearchPaths. A missing file is not an error unless path
// was given explicitly.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	// Temperature 0 is a meaningful setting, so its default goes in before
	// decoding and survives only when the key is absent.
	cfg := &Config{Analysis: Analysis{Temperature: defaultTemperature}}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", resolved, err)
		}
		cfg.Path = resolved
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
		return path, nil
	}
	for _, candidate := range SearchPaths {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

func (c *Config) applyEnv() {
	if c.APIKeys.GitHubToken == "" {
		c.APIKeys.GitHubToken = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}
	if c.APIKeys.AnthropicKey == "" {
		c.APIKeys.AnthropicKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = strings.TrimSpace(os.Getenv("WBTRENDS_DB"))
	}
	if c.LogLevel == "" {
		c.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if c.Analysis.MaxRecords == 0 {
		c.Analysis.MaxRecords = getenvInt("WBTRENDS_MAX_RECORDS", 0)
	}
}

func (c *Config) applyDefaults() {
	if c.Models.GitHubDefault == "" {
		c.Models.GitHubDefault = defaultGitHubModel
	}
	if c.Models.AnthropicDefault == "" {
		c.Models.AnthropicDefault = defaultAnthropicModel
	}
	if c.Analysis.MaxRecords <= 0 {
		c.Analysis.MaxRecords = defaultMaxRecords
	}
	if c.Analysis.Temperature < 0 {
		c.Analysis.Temperature = defaultTemperature
	}
	if c.Analysis.MaxTokens <= 0 {
		c.Analysis.MaxTokens = defaultMaxTokens
	}
	if c.Analysis.ForecastHorizon <= 0 {
		c.Analysis.ForecastHorizon = defaultForecastHorizon
	}
	if c.Analysis.TrendThreshold <= 0 {
		c.Analysis.TrendThreshold = defaultTrendThreshold
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// LLM returns the settings for one predictor provider. model overrides the
// configured default when non-empty.
func (c *Config) LLM(provider, model string) (LLM, error) {
	settings := LLM{
		Provider:    strings.ToLower(strings.TrimSpace(provider)),
		ModelName:   strings.TrimSpace(model),
		Temperature: c.Analysis.Temperature,
		MaxTokens:   c.Analysis.MaxTokens,
		MaxRecords:  c.Analysis.MaxRecords,
	}
	switch settings.Provider {
	case ProviderGitHub:
		settings.ProviderAPIKey = c.APIKeys.GitHubToken
		if settings.ModelName == "" {
			settings.ModelName = c.Models.GitHubDefault
		}
		if settings.ProviderAPIKey == "" {
			return LLM{}, errors.New("config: github token required (set api_keys.github_token or GITHUB_TOKEN)")
		}
	case ProviderAnthropic:
		settings.ProviderAPIKey = c.APIKeys.AnthropicKey
		if settings.ModelName == "" {
			settings.ModelName = c.Models.AnthropicDefault
		}
		if settings.ProviderAPIKey == "" {
			return LLM{}, errors.New("config: anthropic key required (set api_keys.anthropic_key or ANTHROPIC_API_KEY)")
		}
	default:
		return LLM{}, fmt.Errorf("config: unknown provider %q", provider)
	}
	return settings, nil
}

func (c *Config) Status() Status {
	return Status{
		ConfigFileLoaded: c.Path != "",
		ConfigPath:       c.Path,
		GitHubToken:      c.APIKeys.GitHubToken != "",
		AnthropicKey:     c.APIKeys.AnthropicKey != "",
		GitHubModel:      c.Models.GitHubDefault,
		AnthropicModel:   c.Models.AnthropicDefault,
	}
}

// AnalysisOptions maps the analysis section onto analyzer options.
func (c *Config) AnalysisOptions() analysis.Options {
	return analysis.Options{
		TrendThreshold:  c.Analysis.TrendThreshold,
		ForecastHorizon: c.Analysis.ForecastHorizon,
	}
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
