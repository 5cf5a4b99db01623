package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MegaGrindStone/gram-ai/internal/handlers"
	"github.com/MegaGrindStone/gram-ai/internal/services"
	"gopkg.in/yaml.v3"
)

// gateway is a model gateway serving both the chat relay and crop diagnosis.
type gateway interface {
	handlers.LLM
	handlers.Diagnoser
}

type llmConfig interface {
	llm(logger *slog.Logger) (gateway, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port          string            `yaml:"port"`
	DBPath        string            `yaml:"dbPath"`
	LogLevel      string            `yaml:"logLevel"`
	SystemPrompts map[string]string `yaml:"systemPrompts"`
	LLM           llmConfig         `yaml:"llm"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

const defaultPort = "8080"

var languageNames = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"mr": "Marathi",
	"te": "Telugu",
	"ta": "Tamil",
	"bn": "Bengali",
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string            `yaml:"port"`
		DBPath        string            `yaml:"dbPath"`
		LogLevel      string            `yaml:"logLevel"`
		SystemPrompts map[string]string `yaml:"systemPrompts"`
		LLM           map[string]any    `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DBPath = rawConfig.DBPath
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompts = rawConfig.SystemPrompts

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c config) port() string {
	if c.Port == "" {
		return defaultPort
	}
	return c.Port
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// prompts returns the system prompt of every supported language, with configured prompts taking
// precedence over the built-in ones.
func (c config) prompts() map[string]string {
	prompts := make(map[string]string, len(handlers.Languages))
	for _, lang := range handlers.Languages {
		prompts[lang] = defaultPrompt(languageNames[lang])
	}
	for lang, prompt := range c.SystemPrompts {
		if strings.TrimSpace(prompt) != "" {
			prompts[lang] = prompt
		}
	}
	return prompts
}

func defaultPrompt(language string) string {
	return "You are Gram AI, a farming assistant for Indian farmers. Respond in " + language + ". " +
		"Give SHORT, CRISP answers in 2-4 sentences max. Use bullet points for lists. " +
		"Be direct and practical. No lengthy explanations, farmers need quick, actionable advice."
}

func (o openAIConfig) llm(logger *slog.Logger) (gateway, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(logger *slog.Logger) (gateway, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, o.Parameters, logger)
}

func (o openRouterConfig) llm(logger *slog.Logger) (gateway, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.Model, o.Endpoint, o.Parameters, logger), nil
}
