package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Values come from the YAML file, then
// IMAP_PROXY_* environment variables (a .env file fills in unset ones), then
// command-line flags.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	// Verbose logs every IMAP command and response at debug level.
	Verbose       bool `yaml:"verbose"`
	TLSSkipVerify bool `yaml:"tls_skip_verify"`

	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	RetryCount     int           `yaml:"retry_count"`
	SyncBatchSize  int           `yaml:"sync_batch_size"`

	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	LoginRate       float64       `yaml:"login_rate"`
	LoginBurst      int           `yaml:"login_burst"`

	// Profile is one of cpu, mem or block. Empty disables profiling.
	Profile     string `yaml:"profile"`
	ProfilePath string `yaml:"profile_path"`
}

const envPrefix = "IMAP_PROXY_"

func defaultConfig() Config {
	return Config{
		Listen:         "127.0.0.1:8080",
		LogLevel:       "info",
		DialTimeout:    15 * time.Second,
		CommandTimeout: 30 * time.Second,
		RetryCount:     2,
		SyncBatchSize:  50,
		IdleTimeout:    30 * time.Minute,
	}
}

// loadConfig builds the configuration from args and the environment seen
// through lookupEnv.
func loadConfig(args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()

	fset := flag.NewFlagSet("imap-proxy", flag.ContinueOnError)
	configPath := fset.String("config", "", "Path to a YAML configuration file")
	envFile := fset.String("env-file", ".env", "Path to a .env file with IMAP_PROXY_* variables")
	listen := fset.String("listen", cfg.Listen, "HTTP and WebSocket listen address")
	logLevel := fset.String("log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	verbose := fset.Bool("verbose", false, "Log IMAP protocol traffic")
	skipVerify := fset.Bool("tls-skip-verify", false, "Skip IMAP server certificate verification")
	idleTimeout := fset.Duration("idle-timeout", cfg.IdleTimeout, "Log out sessions idle this long (0 disables)")
	profileMode := fset.String("profile", "", "Enable profiling: cpu, mem or block")
	profilePath := fset.String("profile-path", "", "Directory for profile output")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", *configPath, err)
		}
	}

	dotenv := map[string]string{}
	if *envFile != "" {
		m, err := godotenv.Read(*envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("reading %s: %w", *envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := lookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "log-level":
			cfg.LogLevel = *logLevel
		case "verbose":
			cfg.Verbose = *verbose
		case "tls-skip-verify":
			cfg.TLSSkipVerify = *skipVerify
		case "idle-timeout":
			cfg.IdleTimeout = *idleTimeout
		case "profile":
			cfg.Profile = *profileMode
		case "profile-path":
			cfg.ProfilePath = *profilePath
		}
	})

	return cfg, cfg.validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	boolean := func(p *bool) func(string) error {
		return func(v string) (err error) { *p, err = strconv.ParseBool(v); return err }
	}
	integer := func(p *int) func(string) error {
		return func(v string) (err error) { *p, err = strconv.Atoi(v); return err }
	}
	duration := func(p *time.Duration) func(string) error {
		return func(v string) (err error) { *p, err = time.ParseDuration(v); return err }
	}
	float := func(p *float64) func(string) error {
		return func(v string) (err error) { *p, err = strconv.ParseFloat(v, 64); return err }
	}

	setters := []struct {
		key string
		set func(string) error
	}{
		{"LISTEN", str(&c.Listen)},
		{"LOG_LEVEL", str(&c.LogLevel)},
		{"VERBOSE", boolean(&c.Verbose)},
		{"TLS_SKIP_VERIFY", boolean(&c.TLSSkipVerify)},
		{"DIAL_TIMEOUT", duration(&c.DialTimeout)},
		{"COMMAND_TIMEOUT", duration(&c.CommandTimeout)},
		{"RETRY_COUNT", integer(&c.RetryCount)},
		{"SYNC_BATCH_SIZE", integer(&c.SyncBatchSize)},
		{"IDLE_TIMEOUT", duration(&c.IdleTimeout)},
		{"JANITOR_INTERVAL", duration(&c.JanitorInterval)},
		{"LOGIN_RATE", float(&c.LoginRate)},
		{"LOGIN_BURST", integer(&c.LoginBurst)},
		{"PROFILE", str(&c.Profile)},
		{"PROFILE_PATH", str(&c.ProfilePath)},
	}
	for _, s := range setters {
		v, ok := lookup(envPrefix + s.key)
		if !ok {
			continue
		}
		if err := s.set(v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, s.key, err)
		}
	}
	return nil
}

func (c Config) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Profile {
	case "", "cpu", "mem", "block":
	default:
		return fmt.Errorf("unknown profile mode %q", c.Profile)
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":     c.DialTimeout,
		"command_timeout":  c.CommandTimeout,
		"idle_timeout":     c.IdleTimeout,
		"janitor_interval": c.JanitorInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s is negative: %v", name, d)
		}
	}
	if c.RetryCount < 0 || c.SyncBatchSize < 0 || c.LoginRate < 0 || c.LoginBurst < 0 {
		return errors.New("retry_count, sync_batch_size, login_rate and login_burst must not be negative")
	}
	return nil
}
