package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowsync/internal/relay"
)

// Config holds the flowsync server configuration.
// Priority: FLOWSYNC_* env vars > .env > settings.yaml > defaults.
type Config struct {
	ListenAddr     string                `json:"listen_addr" yaml:"listen_addr"`
	DBPath         string                `json:"db_path" yaml:"db_path"`
	LogLevel       string                `json:"log_level" yaml:"log_level"`
	API            bool                  `json:"api" yaml:"api"`
	RedisURL       string                `json:"redis_url" yaml:"redis_url"`
	AllowedOrigins []string              `json:"allowed_origins" yaml:"allowed_origins"`
	Compaction     relay.CompactorConfig `json:"compaction" yaml:"compaction"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(flowsyncDir(), "flowsync.db"),
		LogLevel:   "info",
		API:        true,
		Compaction: relay.DefaultCompactorConfig(),
	}
}

func flowsyncDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowsync"
	}
	return filepath.Join(home, ".flowsync")
}

func settingsPath() string {
	return filepath.Join(flowsyncDir(), "settings.yaml")
}

// loadConfig layers the settings file, the dotenv file and the process
// environment over the defaults. Missing files are skipped. The dotenv file
// never overrides a variable already set in the environment.
func loadConfig(settingsFile, envFile string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings file. JSON is valid YAML.
	if data, err := os.ReadFile(settingsFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", settingsFile, err)
	}

	// Layer 3: .env, below the real environment.
	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("read %s: %w", envFile, err)
		}
		if m != nil {
			dotenv = m
		}
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	// Layer 4: env vars override.
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) string) error {
	if v := lookup("FLOWSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := lookup("FLOWSYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := lookup("FLOWSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := lookup("FLOWSYNC_API"); v != "" {
		cfg.API = v == "true" || v == "1"
	}
	if v := lookup("FLOWSYNC_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := lookup("FLOWSYNC_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	if v := lookup("FLOWSYNC_COMPACT_SCHEDULE"); v != "" {
		cfg.Compaction.Schedule = v
	}
	if v := lookup("FLOWSYNC_COMPACT_MIN_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLOWSYNC_COMPACT_MIN_ROWS: %w", err)
		}
		cfg.Compaction.MinRows = n
	}
	return nil
}

// dsn turns DBPath into a libSQL data source name.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	APIChanged      bool
	RestartNeeded   []string // fields that require a server restart
}

func (d configDiff) empty() bool {
	return !d.LogLevelChanged && !d.APIChanged && len(d.RestartNeeded) == 0
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.API != new.API {
		d.APIChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.RedisURL != new.RedisURL {
		d.RestartNeeded = append(d.RestartNeeded, "redis_url")
	}
	if !slices.Equal(old.AllowedOrigins, new.AllowedOrigins) {
		d.RestartNeeded = append(d.RestartNeeded, "allowed_origins")
	}
	if old.Compaction != new.Compaction {
		d.RestartNeeded = append(d.RestartNeeded, "compaction")
	}
	return d
}
