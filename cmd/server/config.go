package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/yestoryd/coach-assistant/internal/conversation"
	"github.com/yestoryd/coach-assistant/internal/models"
	"github.com/yestoryd/coach-assistant/internal/services"
	"gopkg.in/yaml.v3"
)

type assistantConfig interface {
	assistant(systemPrompt string, logger *slog.Logger) (conversation.Assistant, error)
}

// BaseAssistantConfig contains the common fields for all assistant configurations.
type BaseAssistantConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port          string
	SystemPrompt  string
	TurnTimeout   time.Duration
	HistoryWindow int
	LogFile       string
	LogLevel      string
	Telemetry     telemetryConfig
	Assistant     assistantConfig
	Students      map[string][]models.Child
}

type telemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type remoteConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	Endpoint            string            `yaml:"endpoint"`
	Headers             map[string]string `yaml:"headers"`
}

type openAIConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	APIKey              string                 `yaml:"apiKey"`
	BaseURL             string                 `yaml:"baseURL"`
	Parameters          services.LLMParameters `yaml:"parameters"`
}

type ollamaConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	Host                string `yaml:"host"`
}

type anthropicConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	APIKey              string `yaml:"apiKey"`
	MaxTokens           int    `yaml:"maxTokens"`
}

const (
	defaultPort          = "8080"
	defaultTurnTimeout   = 90 * time.Second
	defaultHistoryWindow = 6
	defaultOllamaHost    = "http://localhost:11434"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string                    `yaml:"port"`
		SystemPrompt  string                    `yaml:"systemPrompt"`
		TurnTimeout   string                    `yaml:"turnTimeout"`
		HistoryWindow *int                      `yaml:"historyWindow"`
		LogFile       string                    `yaml:"logFile"`
		LogLevel      string                    `yaml:"logLevel"`
		Telemetry     telemetryConfig           `yaml:"telemetry"`
		Assistant     map[string]any            `yaml:"assistant"`
		Students      map[string][]models.Child `yaml:"students"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	c.LogFile = rawConfig.LogFile
	c.LogLevel = rawConfig.LogLevel
	c.Telemetry = rawConfig.Telemetry
	c.Students = rawConfig.Students

	c.TurnTimeout = defaultTurnTimeout
	if rawConfig.TurnTimeout != "" {
		d, err := time.ParseDuration(rawConfig.TurnTimeout)
		if err != nil {
			return fmt.Errorf("invalid turnTimeout: %w", err)
		}
		c.TurnTimeout = d
	}

	c.HistoryWindow = defaultHistoryWindow
	if rawConfig.HistoryWindow != nil {
		if *rawConfig.HistoryWindow < 0 {
			return fmt.Errorf("historyWindow must not be negative")
		}
		c.HistoryWindow = *rawConfig.HistoryWindow
	}

	provider, ok := rawConfig.Assistant["provider"].(string)
	if !ok {
		return fmt.Errorf("assistant provider is required")
	}

	assistantRawYAML, err := yaml.Marshal(rawConfig.Assistant)
	if err != nil {
		return err
	}

	var assistant assistantConfig
	switch provider {
	case "remote":
		assistant = &remoteConfig{}
	case "openai":
		assistant = &openAIConfig{}
	case "ollama":
		assistant = &ollamaConfig{}
	case "anthropic":
		assistant = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown assistant provider: %s", provider)
	}

	if err := yaml.Unmarshal(assistantRawYAML, assistant); err != nil {
		return err
	}
	c.Assistant = assistant

	return nil
}

func (r remoteConfig) assistant(_ string, logger *slog.Logger) (conversation.Assistant, error) {
	if r.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	return services.NewRemote(r.Endpoint, r.Headers, logger), nil
}

func (o openAIConfig) assistant(systemPrompt string, logger *slog.Logger) (conversation.Assistant, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o ollamaConfig) assistant(systemPrompt string, _ *slog.Logger) (conversation.Assistant, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (a anthropicConfig) assistant(systemPrompt string, _ *slog.Logger) (conversation.Assistant, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens), nil
}
