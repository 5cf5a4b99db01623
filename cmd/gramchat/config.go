package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/gram-ai/internal/identity"
	"gopkg.in/yaml.v3"
)

type clientConfig struct {
	Server      string        `yaml:"server"`
	APIKey      string        `yaml:"apiKey"`
	Language    string        `yaml:"language"`
	StorePath   string        `yaml:"storePath"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
	Reconcile   string        `yaml:"reconcile"`
}

const (
	defaultServer = "http://localhost:8080"

	chatPath    = "/functions/v1/chat"
	historyPath = "/functions/v1/chat/history"
)

func defaultConfigDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "gramai"), nil
}

// loadClientConfig reads the config file at path. A missing file yields the defaults.
func loadClientConfig(path string) (clientConfig, error) {
	cfg := clientConfig{}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c clientConfig) server() string {
	if c.Server == "" {
		return defaultServer
	}
	return strings.TrimSuffix(c.Server, "/")
}

func (c clientConfig) reconcileMode() (identity.ReconcileMode, error) {
	return identity.ParseReconcileMode(c.Reconcile)
}
