// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "gcwallet.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// RegistryConfig describes one registry the wallet talks to
type RegistryConfig struct {
	URL string `yaml:"url"`
}

// NotaryConfig describes the notary service for one grid area
type NotaryConfig struct {
	URL string `yaml:"url"`
}

type Config struct {
	// Registries maps registry names to their endpoints
	Registries map[string]RegistryConfig `yaml:"registries"`
	// Notaries maps grid areas to their notary endpoints. Claims on
	// production certificates in these grid areas require an intent
	// registration before allocation.
	Notaries map[string]NotaryConfig `yaml:"notaries"`

	DataDir         string `yaml:"dataDir"         split_words:"true"`
	BindAddr        string `yaml:"bindAddr"        split_words:"true"`
	ClientTimeout   string `yaml:"clientTimeout"   split_words:"true"`
	ShutdownTimeout string `yaml:"shutdownTimeout" split_words:"true"`
	ApiPort         uint   `yaml:"apiPort"         split_words:"true"`
	MetricsPort     uint   `yaml:"metricsPort"     split_words:"true"`

	// Pipeline worker pool and retry policy tuning
	PipelineWorkers      int    `yaml:"pipelineWorkers"      split_words:"true"`
	PipelineMaxAttempts  int    `yaml:"pipelineMaxAttempts"  split_words:"true"`
	PipelinePollInterval string `yaml:"pipelinePollInterval" split_words:"true"`
	PipelineRetryDelay   string `yaml:"pipelineRetryDelay"   split_words:"true"`
	PipelineStaleAfter   string `yaml:"pipelineStaleAfter"   split_words:"true"`

	// Background sweep tuning
	SweepInterval    string `yaml:"sweepInterval"    split_words:"true"`
	SweepExpiryGrace string `yaml:"sweepExpiryGrace" split_words:"true"`
}

var globalConfig = &Config{
	DataDir:         ".gcwallet",
	BindAddr:        "0.0.0.0",
	ApiPort:         8080,
	MetricsPort:     12798,
	ClientTimeout:   "10s",
	ShutdownTimeout: DefaultShutdownTimeout,
	PipelineWorkers: 4,
	SweepInterval:   "1m",
}

// LoadConfig loads the configuration from an optional YAML file with
// environment variable overrides. With no explicit path it looks in
// ~/.gcwallet/gcwallet.yaml, then /etc/gcwallet/gcwallet.yaml.
func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".gcwallet", "gcwallet.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/gcwallet/gcwallet.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	err := envconfig.Process("gcwallet", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return globalConfig, nil
}

// GetConfig returns the global config instance
func GetConfig() *Config {
	return globalConfig
}

// Duration parses a config duration string, falling back to the given
// default when the value is empty
func Duration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return parsed, nil
}
