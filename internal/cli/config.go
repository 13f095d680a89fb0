package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dygram/dygram-go/model"
	"github.com/dygram/dygram-go/model/anthropic"
	"github.com/dygram/dygram-go/model/google"
	"github.com/dygram/dygram-go/model/openai"
)

// clientConfig is the optional .dygram/config.yaml.
type clientConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// loadClientConfig reads .dygram/config.yaml under the base dir.
// A missing file yields the zero config.
func loadClientConfig(base string) (clientConfig, error) {
	var cfg clientConfig
	data, err := os.ReadFile(filepath.Join(base, ".dygram", "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid client config: %w", err)
	}
	return cfg, nil
}

// buildModel selects the provider adapter. Precedence for the model
// id: the -m flag, the config file, ANTHROPIC_MODEL_ID (or provider
// equivalent), the adapter default. The provider comes from the config
// file or from which API key is present.
func buildModel(cfg clientConfig, modelFlag string) (model.ChatModel, string, error) {
	provider := cfg.Provider
	if provider == "" {
		switch {
		case os.Getenv("ANTHROPIC_API_KEY") != "":
			provider = "anthropic"
		case os.Getenv("OPENAI_API_KEY") != "":
			provider = "openai"
		case os.Getenv("GEMINI_API_KEY") != "":
			provider = "google"
		default:
			provider = "anthropic"
		}
	}

	modelID := modelFlag
	if modelID == "" {
		modelID = cfg.Model
	}

	switch provider {
	case "anthropic":
		if modelID == "" {
			modelID = os.Getenv("ANTHROPIC_MODEL_ID")
		}
		if modelID == "" {
			modelID = anthropic.DefaultModel
		}
		return anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), modelID), modelID, nil
	case "openai":
		if modelID == "" {
			modelID = os.Getenv("OPENAI_MODEL_ID")
		}
		if modelID == "" {
			modelID = openai.DefaultModel
		}
		return openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), modelID), modelID, nil
	case "google":
		if modelID == "" {
			modelID = os.Getenv("GEMINI_MODEL_ID")
		}
		if modelID == "" {
			modelID = google.DefaultModel
		}
		return google.NewChatModel(os.Getenv("GEMINI_API_KEY"), modelID), modelID, nil
	}
	return nil, "", fmt.Errorf("unknown provider %q (supported: anthropic, openai, google)", provider)
}
