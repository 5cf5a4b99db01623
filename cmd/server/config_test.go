package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantErr  bool
		wantType any
	}{
		{
			name: "OpenAI",
			yaml: `
port: "9000"
llm:
  provider: openai
  model: gpt-4o-mini
  parameters:
    temperature: 0.3
`,
			wantType: &openAIConfig{},
		},
		{
			name: "Ollama",
			yaml: `
llm:
  provider: ollama
  model: llama3.2
  host: http://localhost:11434
`,
			wantType: &ollamaConfig{},
		},
		{
			name: "OpenRouter",
			yaml: `
llm:
  provider: openrouter
  model: google/gemini-2.5-flash
`,
			wantType: &openRouterConfig{},
		},
		{
			name:    "Missing provider",
			yaml:    "llm:\n  model: x\n",
			wantErr: true,
		},
		{
			name:    "Unknown provider",
			yaml:    "llm:\n  provider: anthropic\n  model: x\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			switch tt.wantType.(type) {
			case *openAIConfig:
				c, ok := cfg.LLM.(*openAIConfig)
				if !ok {
					t.Fatalf("LLM = %T, want *openAIConfig", cfg.LLM)
				}
				if c.Parameters.Temperature == nil || *c.Parameters.Temperature != 0.3 {
					t.Errorf("Temperature = %v, want 0.3", c.Parameters.Temperature)
				}
				if cfg.port() != "9000" {
					t.Errorf("port() = %q, want %q", cfg.port(), "9000")
				}
			case *ollamaConfig:
				c, ok := cfg.LLM.(*ollamaConfig)
				if !ok {
					t.Fatalf("LLM = %T, want *ollamaConfig", cfg.LLM)
				}
				if c.Host != "http://localhost:11434" {
					t.Errorf("Host = %q", c.Host)
				}
			case *openRouterConfig:
				if _, ok := cfg.LLM.(*openRouterConfig); !ok {
					t.Fatalf("LLM = %T, want *openRouterConfig", cfg.LLM)
				}
				if cfg.port() != defaultPort {
					t.Errorf("port() = %q, want %q", cfg.port(), defaultPort)
				}
			}

			if _, err := cfg.LLM.llm(slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
				t.Errorf("llm() error = %v", err)
			}
		})
	}
}

func TestConfigModelRequired(t *testing.T) {
	var cfg config
	if err := yaml.Unmarshal([]byte("llm:\n  provider: openai\n"), &cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.LLM.llm(slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("llm() without model should return error")
	}
}

func TestConfigPrompts(t *testing.T) {
	cfg := config{SystemPrompts: map[string]string{"hi": "custom hindi", "en": "  "}}
	prompts := cfg.prompts()

	if prompts["hi"] != "custom hindi" {
		t.Errorf("prompts[hi] = %q, want %q", prompts["hi"], "custom hindi")
	}
	if !strings.Contains(prompts["en"], "Respond in English") {
		t.Errorf("blank prompt should keep the default, got %q", prompts["en"])
	}
	if !strings.Contains(prompts["bn"], "Respond in Bengali") {
		t.Errorf("prompts[bn] = %q", prompts["bn"])
	}
}

func TestConfigLogLevel(t *testing.T) {
	tests := []struct {
		level   string
		want    slog.Level
		wantErr bool
	}{
		{level: "", want: slog.LevelInfo},
		{level: "debug", want: slog.LevelDebug},
		{level: "WARN", want: slog.LevelWarn},
		{level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got, err := config{LogLevel: tt.level}.logLevel()
			if (err != nil) != tt.wantErr {
				t.Fatalf("logLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("logLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "dbPath: /tmp/gram.db\nllm:\n  provider: ollama\n  model: llama3.2\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.DBPath != "/tmp/gram.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadConfig() of a missing file should return error")
	}
}
