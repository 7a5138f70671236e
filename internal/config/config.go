package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

type Config struct {
	Model  ModelConfig  `mapstructure:"model" validate:"required"`
	Images ImagesConfig `mapstructure:"images"`
}

type ModelConfig struct {
	Backend          string        `mapstructure:"backend" validate:"required,oneof=ollama openai"`
	Name             string        `mapstructure:"name" validate:"required"`
	BaseURL          string        `mapstructure:"base_url" validate:"required,url"`
	APIKey           string        `mapstructure:"api_key"`
	MaxRetryAttempts uint          `mapstructure:"max_retry_attempts"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
}

type ImagesConfig struct {
	// MaxDimension downscales images whose width or height exceeds it. 0 keeps the original bytes.
	MaxDimension int `mapstructure:"max_dimension" validate:"gte=0"`
}

func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/annotate")
	}

	v.SetDefault("model.backend", BackendOllama)
	v.SetDefault("model.name", "llama3.2-vision")
	v.SetDefault("model.base_url", "http://localhost:11434")
	v.SetDefault("model.max_retry_attempts", 3)
	v.SetDefault("model.request_timeout", 10*time.Minute)
	v.SetDefault("images.max_dimension", 0)

	for key, env := range map[string]string{
		"model.backend":  "ANNOTATE_MODEL_BACKEND",
		"model.name":     "ANNOTATE_MODEL_NAME",
		"model.base_url": "ANNOTATE_MODEL_BASE_URL",
		// API key is read from the environment only, never written to config files
		"model.api_key": "OPENAI_API_KEY",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s environment variable: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("configuration file found but could not be read: %w. Please check the file format and permissions", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration format: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config and reports every violation in one error.
func (cfg *Config) Validate() error {
	validate, trans, err := newValidator()
	if err != nil {
		return fmt.Errorf("newValidator() > %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return fmt.Errorf("validate.Struct() > %w", err)
		}
		messages := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			messages = append(messages, fe.Translate(trans))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
	}
	return nil
}
