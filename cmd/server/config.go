package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/multichat/internal/handlers"
	"github.com/MegaGrindStone/multichat/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	storeDriverBolt   = "bolt"
	storeDriverSQLite = "sqlite"
)

type config struct {
	Port      string
	LogLevel  slog.Level
	LogFormat string

	Store   storeConfig
	Secrets secretsConfig

	TurnTimeout   time.Duration
	RetainedTurns int

	Providers map[models.ProviderID]models.ProviderConfig
}

type storeConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type secretsConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

type providerConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	URL          string   `yaml:"url"`
	Token        string   `yaml:"token"`
	Model        string   `yaml:"model"`
	Temperature  *float32 `yaml:"temperature"`
	TopP         *float32 `yaml:"topP"`
	SystemPrompt string   `yaml:"systemPrompt"`
	MaxTokens    int      `yaml:"maxTokens"`
}

// tokenEnvs names the environment variables a provider token falls back to, in order.
var tokenEnvs = map[models.ProviderID][]string{
	models.ProviderOpenAI:    {"OPENAI_API_KEY"},
	models.ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	models.ProviderGoogle:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	models.ProviderGroq:      {"GROQ_API_KEY"},
	models.ProviderOllama:    {"OLLAMA_API_KEY"},
	models.ProviderBedrock:   {"AWS_BEARER_TOKEN_BEDROCK"},
}

func defaultConfig() config {
	return config{
		Port:        "8080",
		LogLevel:    slog.LevelInfo,
		LogFormat:   "text",
		Store:       storeConfig{Driver: storeDriverBolt},
		TurnTimeout: handlers.DefaultTurnTimeout,
		Providers:   make(map[models.ProviderID]models.ProviderConfig),
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string                    `yaml:"port"`
		LogLevel      string                    `yaml:"logLevel"`
		LogFormat     string                    `yaml:"logFormat"`
		Store         storeConfig               `yaml:"store"`
		Secrets       secretsConfig             `yaml:"secrets"`
		TurnTimeout   string                    `yaml:"turnTimeout"`
		RetainedTurns int                       `yaml:"retainedTurns"`
		Providers     map[string]providerConfig `yaml:"providers"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", rawConfig.LogLevel, err)
		}
	}
	switch rawConfig.LogFormat {
	case "":
	case "text", "json":
		c.LogFormat = rawConfig.LogFormat
	default:
		return fmt.Errorf("unknown log format: %s", rawConfig.LogFormat)
	}

	switch rawConfig.Store.Driver {
	case "":
		rawConfig.Store.Driver = storeDriverBolt
	case storeDriverBolt, storeDriverSQLite:
	default:
		return fmt.Errorf("unknown store driver: %s", rawConfig.Store.Driver)
	}
	c.Store = rawConfig.Store
	c.Secrets = rawConfig.Secrets

	if rawConfig.TurnTimeout != "" {
		d, err := time.ParseDuration(rawConfig.TurnTimeout)
		if err != nil {
			return fmt.Errorf("invalid turn timeout %q: %w", rawConfig.TurnTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("turn timeout must be positive, got %s", d)
		}
		c.TurnTimeout = d
	}
	if rawConfig.RetainedTurns < 0 {
		return fmt.Errorf("retained turns must not be negative, got %d", rawConfig.RetainedTurns)
	}
	c.RetainedTurns = rawConfig.RetainedTurns

	if c.Providers == nil {
		c.Providers = make(map[models.ProviderID]models.ProviderConfig)
	}
	for name, raw := range rawConfig.Providers {
		p := models.ProviderID(strings.ToLower(name))
		if !p.Valid() {
			return fmt.Errorf("unknown provider: %s", name)
		}
		c.Providers[p] = raw.providerConfig(p)
	}

	return nil
}

func (p providerConfig) providerConfig(provider models.ProviderID) models.ProviderConfig {
	cfg := models.ProviderConfig{
		Provider:     provider,
		Enabled:      true,
		URL:          p.URL,
		Token:        p.Token,
		Model:        p.Model,
		Temperature:  p.Temperature,
		TopP:         p.TopP,
		SystemPrompt: p.SystemPrompt,
		MaxTokens:    p.MaxTokens,
	}
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	return cfg
}

// applyEnv fills what the config file leaves empty from the environment.
func (c *config) applyEnv() {
	for _, p := range models.Providers() {
		cfg, ok := c.Providers[p]
		if !ok {
			cfg = models.ProviderConfig{Provider: p}
		}
		if cfg.Token == "" {
			for _, env := range tokenEnvs[p] {
				if v := os.Getenv(env); v != "" {
					cfg.Token = v
					break
				}
			}
		}
		if p == models.ProviderOllama && cfg.URL == "" {
			cfg.URL = os.Getenv("OLLAMA_HOST")
		}
		if !ok {
			// A provider configured only through the environment is enabled once it has a credential or host.
			if cfg.Token == "" && cfg.URL == "" {
				continue
			}
			cfg.Enabled = true
		}
		c.Providers[p] = cfg
	}

	if c.Secrets.Passphrase == "" {
		c.Secrets.Passphrase = os.Getenv("MULTICHAT_SECRET_PASSPHRASE")
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Port = port
	}
}
