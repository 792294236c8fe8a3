package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration parses "30s" / "5m" style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
	Debug  bool   `yaml:"debug"`

	Telegram struct {
		Token   string   `yaml:"token"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"telegram"`

	Provider struct {
		BaseURL    string   `yaml:"base_url"`
		APIKey     string   `yaml:"api_key"`
		Timeout    Duration `yaml:"timeout"`
		StatusRate float64  `yaml:"status_rate"` // status polls per second
	} `yaml:"provider"`

	Scheduler struct {
		Cron string `yaml:"cron"` // empty disables the in-process trigger
	} `yaml:"scheduler"`

	Poller struct {
		Cron      string `yaml:"cron"`
		BatchSize int    `yaml:"batch_size"`
		Workers   int    `yaml:"workers"`
	} `yaml:"poller"`

	Publisher struct {
		FetchTimeout Duration `yaml:"fetch_timeout"`
	} `yaml:"publisher"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "postpilot.db"
	}
	if c.Telegram.Timeout <= 0 {
		c.Telegram.Timeout = Duration(30 * time.Second)
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = Duration(30 * time.Second)
	}
	if c.Provider.StatusRate <= 0 {
		c.Provider.StatusRate = 5
	}
	if c.Poller.BatchSize <= 0 {
		c.Poller.BatchSize = 20
	}
	if c.Poller.Workers <= 0 {
		c.Poller.Workers = 4
	}
	if c.Publisher.FetchTimeout <= 0 {
		c.Publisher.FetchTimeout = Duration(60 * time.Second)
	}
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}
	return nil
}
