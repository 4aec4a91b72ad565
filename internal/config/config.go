package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "/usr/local/etc/jailkeeper/config.yaml"

// Config holds jailkeeper settings.
type Config struct {
	ConfigPath      string
	IocagePath      string
	CommandTimeout  time.Duration
	UseBash         bool
	DBPath          string
	HistoryEnabled  bool
	StateDir        string
	AgeKeyPath      string
	SopsPath        string
	AllowPlaintext  bool
	MetricsTextfile string
	LogPath         string
}

// FileConfig represents supported YAML config overrides. Booleans are
// pointers so an explicit false overrides a true default.
type FileConfig struct {
	IocagePath      string `yaml:"iocage_path"`
	CommandTimeout  string `yaml:"command_timeout"`
	UseBash         *bool  `yaml:"use_bash"`
	DBPath          string `yaml:"db_path"`
	HistoryEnabled  *bool  `yaml:"history_enabled"`
	StateDir        string `yaml:"state_dir"`
	AgeKeyPath      string `yaml:"age_key_path"`
	SopsPath        string `yaml:"sops_path"`
	AllowPlaintext  *bool  `yaml:"allow_plaintext"`
	MetricsTextfile string `yaml:"metrics_textfile"`
	LogPath         string `yaml:"log_path"`
}

func DefaultConfig() Config {
	return Config{
		ConfigPath:     DefaultPath,
		IocagePath:     "/usr/local/bin/iocage",
		CommandTimeout: 10 * time.Minute,
		DBPath:         "/var/db/jailkeeper/history.db",
		HistoryEnabled: true,
		StateDir:       "/usr/local/etc/jailkeeper/states",
		AgeKeyPath:     "/usr/local/etc/jailkeeper/keys/age.key",
		SopsPath:       "sops",
		AllowPlaintext: true,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.IocagePath != "" {
		cfg.IocagePath = fileCfg.IocagePath
	}
	if fileCfg.CommandTimeout != "" {
		d, err := time.ParseDuration(fileCfg.CommandTimeout)
		if err != nil {
			return fmt.Errorf("command_timeout: %w", err)
		}
		cfg.CommandTimeout = d
	}
	if fileCfg.UseBash != nil {
		cfg.UseBash = *fileCfg.UseBash
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.HistoryEnabled != nil {
		cfg.HistoryEnabled = *fileCfg.HistoryEnabled
	}
	if fileCfg.StateDir != "" {
		cfg.StateDir = fileCfg.StateDir
	}
	if fileCfg.AgeKeyPath != "" {
		cfg.AgeKeyPath = fileCfg.AgeKeyPath
	}
	if fileCfg.SopsPath != "" {
		cfg.SopsPath = fileCfg.SopsPath
	}
	if fileCfg.AllowPlaintext != nil {
		cfg.AllowPlaintext = *fileCfg.AllowPlaintext
	}
	if fileCfg.MetricsTextfile != "" {
		cfg.MetricsTextfile = fileCfg.MetricsTextfile
	}
	if fileCfg.LogPath != "" {
		cfg.LogPath = fileCfg.LogPath
	}
	return nil
}

// Validate performs basic validation.
func (c Config) Validate() error {
	if strings.TrimSpace(c.IocagePath) == "" {
		return fmt.Errorf("iocage_path is required")
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("command_timeout must not be negative")
	}
	if c.HistoryEnabled && strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required when history_enabled is set")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.MetricsTextfile != "" {
		if !filepath.IsAbs(c.MetricsTextfile) {
			return fmt.Errorf("metrics_textfile must be an absolute path")
		}
		if filepath.Ext(c.MetricsTextfile) != ".prom" {
			return fmt.Errorf("metrics_textfile must end in .prom")
		}
	}
	if strings.ContainsAny(c.SopsPath, " \t\n") {
		return fmt.Errorf("sops_path must not contain whitespace")
	}
	return nil
}
