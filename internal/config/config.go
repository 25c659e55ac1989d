package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Backends.
const (
	BackendIMAP    = "imap"
	BackendMaildir = "maildir"
)

// Cache persisters.
const (
	CacheJSON   = "json"
	CacheSQLite = "sqlite"
)

// Config holds the application configuration
type Config struct {
	Backend string

	// IMAP settings
	Host            string
	Port            int
	User            string
	Password        string
	PasswordCommand string
	UseSSL          bool
	Insecure        bool
	CertFile        string
	Timeout         time.Duration
	Auth            string
	Folders         []string
	FolderPrefix    *string
	FolderSeparator *string
	HeaderBatchSize int
	FlagBatchSize   int

	// Cache settings
	CacheHeaders bool
	CacheFile    string
	CacheBackend string

	// Maildir settings
	MaildirBase string
	Maildirs    []string

	// Processing
	Interval         time.Duration
	Once             bool
	DryRun           bool
	Test             bool
	RCFile           string
	AutoReloadRCFile bool

	// Mail submission
	Sendmail      string
	SendmailFlags string

	// Process files and logging
	LogFile     string
	PIDFile     string
	LogLevel    string
	LogFormat   string
	Verbose     int
	MetricsAddr string
}

// StateDir returns the directory holding default log, pid and cache files.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mailprocessing")
}

// SetDefaults registers the default values for backend on v.
func SetDefaults(v *viper.Viper, backend string) {
	dir := StateDir()

	v.SetDefault("port", 0)
	v.SetDefault("use_ssl", false)
	v.SetDefault("insecure", false)
	v.SetDefault("timeout", 60)
	v.SetDefault("auth", "login")
	v.SetDefault("folders", []string{"INBOX"})
	v.SetDefault("header_batchsize", 200)
	v.SetDefault("flag_batchsize", 200)
	v.SetDefault("cache_headers", false)
	v.SetDefault("cache_backend", CacheJSON)
	v.SetDefault("maildir_base", "")
	v.SetDefault("maildirs", []string{""})
	v.SetDefault("once", false)
	v.SetDefault("dry_run", false)
	v.SetDefault("test", false)
	v.SetDefault("rcfile", filepath.Join(dir, "rules.yaml"))
	v.SetDefault("auto_reload_rcfile", false)
	v.SetDefault("logfile", filepath.Join(dir, "log-"+backend))
	v.SetDefault("pidfile", filepath.Join(dir, backend+".pid"))
	v.SetDefault("log_level", "warning")
	v.SetDefault("log_format", "text")
	v.SetDefault("verbose", 0)
	v.SetDefault("metrics_addr", "")

	if backend == BackendMaildir {
		v.SetDefault("interval", 1)
	} else {
		v.SetDefault("interval", 300)
	}
}

// New creates a viper instance with defaults for backend and MAILPROC_*
// environment variables enabled.
func New(backend string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("mailproc")
	v.AutomaticEnv()
	SetDefaults(v, backend)
	return v
}

// LoadConfig reads the optional config file and builds the configuration
// from v. A missing file is not an error unless it was named explicitly.
func LoadConfig(v *viper.Viper, backend, path string, explicit bool) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Backend:         backend,
		Host:            v.GetString("host"),
		Port:            v.GetInt("port"),
		User:            v.GetString("user"),
		Password:        v.GetString("password"),
		PasswordCommand: v.GetString("password_command"),
		UseSSL:          v.GetBool("use_ssl"),
		Insecure:        v.GetBool("insecure"),
		CertFile:        v.GetString("certfile"),
		Timeout:         time.Duration(v.GetInt("timeout")) * time.Second,
		Auth:            strings.ToLower(v.GetString("auth")),
		Folders:         v.GetStringSlice("folders"),
		HeaderBatchSize: v.GetInt("header_batchsize"),
		FlagBatchSize:   v.GetInt("flag_batchsize"),

		CacheHeaders: v.GetBool("cache_headers"),
		CacheFile:    v.GetString("cache_file"),
		CacheBackend: strings.ToLower(v.GetString("cache_backend")),

		MaildirBase: v.GetString("maildir_base"),
		Maildirs:    v.GetStringSlice("maildirs"),

		Interval:         time.Duration(v.GetInt("interval")) * time.Second,
		Once:             v.GetBool("once"),
		DryRun:           v.GetBool("dry_run"),
		Test:             v.GetBool("test"),
		RCFile:           v.GetString("rcfile"),
		AutoReloadRCFile: v.GetBool("auto_reload_rcfile"),

		Sendmail:      getEnv("SENDMAIL", "/usr/sbin/sendmail"),
		SendmailFlags: getEnv("SENDMAILFLAGS", "-i"),

		LogFile:     v.GetString("logfile"),
		PIDFile:     v.GetString("pidfile"),
		LogLevel:    v.GetString("log_level"),
		LogFormat:   strings.ToLower(v.GetString("log_format")),
		Verbose:     v.GetInt("verbose"),
		MetricsAddr: v.GetString("metrics_addr"),
	}

	if v.IsSet("folder_prefix") {
		prefix := v.GetString("folder_prefix")
		cfg.FolderPrefix = &prefix
	}
	if v.IsSet("folder_separator") {
		sep := v.GetString("folder_separator")
		cfg.FolderSeparator = &sep
	}

	cfg.applyImplications()
	return cfg, nil
}

// applyImplications derives settings that follow from others.
func (c *Config) applyImplications() {
	if c.Test {
		c.DryRun = true
		c.LogFile = "-"
	}
	if c.DryRun {
		c.Once = true
	}
	if c.CacheHeaders && c.CacheFile == "" {
		c.CacheFile = filepath.Join(StateDir(), c.Host+".cache")
	}
}

// Level returns the log level raised by the verbosity count. Test mode logs
// at least at info level.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	level += logrus.Level(c.Verbose)
	if level > logrus.TraceLevel {
		level = logrus.TraceLevel
	}
	if c.Test && level < logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	return level
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HeaderBatchSize < 1 || c.FlagBatchSize < 1 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if c.PIDFile != "" && !filepath.IsAbs(c.PIDFile) {
		return fmt.Errorf("pidfile must be an absolute path: %s", c.PIDFile)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format: %s", c.LogFormat)
	}

	switch c.Backend {
	case BackendIMAP:
		return c.validateIMAP()
	case BackendMaildir:
		if len(c.Maildirs) == 0 {
			return fmt.Errorf("at least one maildir must be configured")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
}

func (c *Config) validateIMAP() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if (c.Password == "") == (c.PasswordCommand == "") {
		return fmt.Errorf("exactly one of password and password_command is required")
	}
	if c.Insecure && c.CertFile != "" {
		return fmt.Errorf("insecure and certfile are mutually exclusive")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if len(c.Folders) == 0 {
		return fmt.Errorf("at least one folder must be configured")
	}
	switch c.Auth {
	case "login", "plain":
	default:
		return fmt.Errorf("unknown auth mechanism: %s", c.Auth)
	}
	switch c.CacheBackend {
	case CacheJSON, CacheSQLite:
	default:
		return fmt.Errorf("unknown cache_backend: %s", c.CacheBackend)
	}
	return nil
}

// ResolvePassword runs the password command if one is configured and
// stores its output without the trailing newline.
func (c *Config) ResolvePassword(ctx context.Context) error {
	if c.PasswordCommand == "" {
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.PasswordCommand)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("password command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	c.Password = strings.TrimRight(stdout.String(), "\r\n")
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
