// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	API     APIConfig     `yaml:"api"`
	Sync    SyncConfig    `yaml:"sync"`
	Cache   CacheConfig   `yaml:"cache"`
	Locale  string        `yaml:"locale"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	// TokenFile holds the bearer token. The file is watched and re-read
	// when the session is renewed.
	TokenFile         string        `yaml:"token_file"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	// PollInterval is how often the open conversation and the notification
	// list are reloaded. Zero disables polling.
	PollInterval time.Duration `yaml:"poll_interval"`
	PageLimit    int           `yaml:"page_limit"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Listen is the address for the Prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills defaults and validates the parsed values.
func (c *Config) PostProcess() error {
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if parsed, err := url.Parse(c.API.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL)
	}
	if c.API.RequestsPerSecond < 0 {
		return errors.New("api.requests_per_second can't be negative")
	}
	if c.API.Burst <= 0 {
		c.API.Burst = 1
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.Sync.PollInterval < 0 {
		return errors.New("sync.poll_interval can't be negative")
	}
	if c.Sync.PageLimit <= 0 {
		c.Sync.PageLimit = 50
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		c.Cache.Path = "chatcore.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "api", "base_url")
	helper.Copy(up.Str|up.Null, "api", "token_file")
	helper.Copy(up.Int|up.Float, "api", "requests_per_second")
	helper.Copy(up.Int, "api", "burst")
	helper.Copy(up.Str, "api", "timeout")
	helper.Copy(up.Str, "sync", "poll_interval")
	helper.Copy(up.Int, "sync", "page_limit")
	helper.Copy(up.Bool, "cache", "enabled")
	helper.Copy(up.Str, "cache", "path")
	helper.Copy(up.Str, "locale")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Str|up.Null, "metrics", "listen")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks: [][]string{
		{"sync"},
		{"cache"},
		{"locale"},
		{"logging"},
		{"metrics"},
	},
	Base: ExampleConfig,
}

// LoadConfig upgrades the file at path against the example config (writing
// the result back if save is set) and parses it.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, configUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
