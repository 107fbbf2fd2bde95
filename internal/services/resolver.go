package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MegaGrindStone/multichat/internal/models"
)

// Settings is the plain key-value settings collaborator, keyed by provider and field.
type Settings interface {
	Get(ctx context.Context, provider models.ProviderID, field string) (string, bool, error)
	Set(ctx context.Context, provider models.ProviderID, field, value string) error
}

// Secrets is the secure store collaborator used for sensitive credentials only.
type Secrets interface {
	Secret(ctx context.Context, key string) (string, bool, error)
	SetSecret(ctx context.Context, key, value string) error
}

// Setting field names.
const (
	FieldEnabled      = "enabled"
	FieldURL          = "url"
	FieldToken        = "token"
	FieldModel        = "model"
	FieldTemperature  = "temperature"
	FieldTopP         = "topP"
	FieldSystemPrompt = "systemPrompt"
)

const (
	defaultPrompt = "You are a helpful assistant. Answer accurately and concisely."
	openAIPrompt  = "You are ChatGPT, a large language model. Answer accurately and concisely."
)

// DefaultConfig returns the configuration a provider has before the user changes anything.
func DefaultConfig(provider models.ProviderID) models.ProviderConfig {
	cfg := models.ProviderConfig{
		Provider:     provider,
		SystemPrompt: defaultPrompt,
	}
	switch provider {
	case models.ProviderOpenAI:
		cfg.URL = OpenAIAPIURL
		cfg.SystemPrompt = openAIPrompt
	case models.ProviderAnthropic:
		cfg.URL = AnthropicAPIURL
	case models.ProviderGoogle:
		cfg.URL = GoogleAPIURL
	case models.ProviderGroq:
		cfg.URL = GroqAPIURL
	case models.ProviderOllama:
		cfg.URL = OllamaAPIURL
	case models.ProviderBedrock:
		cfg.URL = BedrockAPIURL
	}
	return cfg
}

// Resolver resolves the endpoint, model and credential of a provider on every call, so settings edits apply
// from the next turn on. Credentials of sensitive providers are read from and written to the secret store only.
type Resolver struct {
	settings Settings
	secrets  Secrets
	defaults map[models.ProviderID]models.ProviderConfig
}

// NewResolver creates a resolver over the two stores. defaults overlays DefaultConfig per provider, typically
// from the config file; zero fields keep the built-in default.
func NewResolver(settings Settings, secrets Secrets, defaults map[models.ProviderID]models.ProviderConfig) Resolver {
	merged := make(map[models.ProviderID]models.ProviderConfig, len(models.Providers()))
	for _, p := range models.Providers() {
		cfg := DefaultConfig(p)
		if d, ok := defaults[p]; ok {
			cfg = overlay(cfg, d)
		}
		merged[p] = cfg
	}
	return Resolver{settings: settings, secrets: secrets, defaults: merged}
}

func overlay(base, d models.ProviderConfig) models.ProviderConfig {
	base.Enabled = base.Enabled || d.Enabled
	if d.URL != "" {
		base.URL = d.URL
	}
	if d.Token != "" {
		base.Token = d.Token
	}
	if d.Model != "" {
		base.Model = d.Model
	}
	if d.Temperature != nil {
		base.Temperature = d.Temperature
	}
	if d.TopP != nil {
		base.TopP = d.TopP
	}
	if d.SystemPrompt != "" {
		base.SystemPrompt = d.SystemPrompt
	}
	if d.MaxTokens > 0 {
		base.MaxTokens = d.MaxTokens
	}
	return base
}

// SecretKey is the secret store key holding the credential of a sensitive provider.
func SecretKey(provider models.ProviderID) string {
	return "credential/" + string(provider)
}

// Resolve returns the current configuration of provider.
func (r Resolver) Resolve(ctx context.Context, provider models.ProviderID) (models.ProviderConfig, error) {
	cfg, ok := r.defaults[provider]
	if !ok {
		return models.ProviderConfig{}, fmt.Errorf("unknown provider %q", provider)
	}

	get := func(field string) (string, bool, error) {
		v, ok, err := r.settings.Get(ctx, provider, field)
		if err != nil {
			return "", false, fmt.Errorf("failed to read %s %s: %w", provider, field, err)
		}
		return v, ok && v != "", nil
	}

	if v, ok, err := get(FieldEnabled); err != nil {
		return models.ProviderConfig{}, err
	} else if ok {
		cfg.Enabled = v == "true"
	}
	if v, ok, err := get(FieldURL); err != nil {
		return models.ProviderConfig{}, err
	} else if ok {
		cfg.URL = v
	}
	if v, ok, err := get(FieldModel); err != nil {
		return models.ProviderConfig{}, err
	} else if ok {
		cfg.Model = v
	}
	if v, ok, err := get(FieldSystemPrompt); err != nil {
		return models.ProviderConfig{}, err
	} else if ok {
		cfg.SystemPrompt = v
	}
	for field, dst := range map[string]**float32{FieldTemperature: &cfg.Temperature, FieldTopP: &cfg.TopP} {
		v, ok, err := get(field)
		if err != nil {
			return models.ProviderConfig{}, err
		}
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return models.ProviderConfig{}, fmt.Errorf("invalid %s %s %q: %w", provider, field, v, err)
		}
		f32 := float32(f)
		*dst = &f32
	}

	token, ok, err := r.token(ctx, provider)
	if err != nil {
		return models.ProviderConfig{}, err
	}
	if ok {
		cfg.Token = token
	}

	return cfg, nil
}

func (r Resolver) token(ctx context.Context, provider models.ProviderID) (string, bool, error) {
	if provider.Sensitive() {
		v, ok, err := r.secrets.Secret(ctx, SecretKey(provider))
		if errors.Is(err, ErrSecretDecrypt) {
			return "", false, fmt.Errorf("%w: %s: %w", models.ErrCredentialUnreadable, provider, err)
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read %s credential: %w", provider, err)
		}
		return v, ok && v != "", nil
	}
	v, ok, err := r.settings.Get(ctx, provider, FieldToken)
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s token: %w", provider, err)
	}
	return v, ok && v != "", nil
}

// SetToken stores the credential of provider, routing sensitive providers to the secret store.
func (r Resolver) SetToken(ctx context.Context, provider models.ProviderID, token string) error {
	if provider.Sensitive() {
		if err := r.secrets.SetSecret(ctx, SecretKey(provider), token); err != nil {
			return fmt.Errorf("failed to store %s credential: %w", provider, err)
		}
		return nil
	}
	if err := r.settings.Set(ctx, provider, FieldToken, token); err != nil {
		return fmt.Errorf("failed to store %s token: %w", provider, err)
	}
	return nil
}

// Update writes every field of cfg. A nil sampling parameter clears the stored value and an empty token leaves
// the stored credential unchanged.
func (r Resolver) Update(ctx context.Context, cfg models.ProviderConfig) error {
	if !cfg.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	fields := []struct{ name, value string }{
		{FieldEnabled, strconv.FormatBool(cfg.Enabled)},
		{FieldURL, cfg.URL},
		{FieldModel, cfg.Model},
		{FieldTemperature, formatFloat(cfg.Temperature)},
		{FieldTopP, formatFloat(cfg.TopP)},
		{FieldSystemPrompt, cfg.SystemPrompt},
	}
	for _, f := range fields {
		if err := r.settings.Set(ctx, cfg.Provider, f.name, f.value); err != nil {
			return fmt.Errorf("failed to store %s %s: %w", cfg.Provider, f.name, err)
		}
	}

	if cfg.Token == "" {
		return nil
	}
	return r.SetToken(ctx, cfg.Provider, cfg.Token)
}

// Providers resolves the configuration of every known provider.
func (r Resolver) Providers(ctx context.Context) ([]models.ProviderConfig, error) {
	var cfgs []models.ProviderConfig
	for _, p := range models.Providers() {
		cfg, err := r.Resolve(ctx, p)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func formatFloat(f *float32) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(float64(*f), 'f', -1, 32)
}
