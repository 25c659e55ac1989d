package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/brandon/mailproc/internal/config"
)

var version = "dev"

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"verbose":            "verbose",
	"logfile":            "logfile",
	"pidfile":            "pidfile",
	"log-level":          "log_level",
	"log-format":         "log_format",
	"rcfile":             "rcfile",
	"auto-reload-rcfile": "auto_reload_rcfile",
	"interval":           "interval",
	"once":               "once",
	"dry-run":            "dry_run",
	"test":               "test",
	"metrics-addr":       "metrics_addr",
	"folder-prefix":      "folder_prefix",
	"folder-separator":   "folder_separator",

	"host":             "host",
	"port":             "port",
	"user":             "user",
	"password-command": "password_command",
	"ssl":              "use_ssl",
	"insecure":         "insecure",
	"certfile":         "certfile",
	"timeout":          "timeout",
	"auth":             "auth",
	"folder":           "folders",
	"header-batchsize": "header_batchsize",
	"flag-batchsize":   "flag_batchsize",
	"cache-headers":    "cache_headers",
	"cache-file":       "cache_file",
	"cache-backend":    "cache_backend",

	"maildir-base": "maildir_base",
	"maildir":      "maildirs",
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "mailproc",
		Short:        "Sort, forward and delete mail in IMAP mailboxes and maildirs",
		Version:      version,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ~/.mailprocessing/config.yaml)")
	flags.CountP("verbose", "v", "increase verbosity, may be repeated")
	flags.StringP("logfile", "l", "", "log file, - for stdout")
	flags.StringP("pidfile", "p", "", "pid file")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: text or json")
	flags.StringP("rcfile", "r", "", "rule file")
	flags.Bool("auto-reload-rcfile", false, "reload the rule file when it changes")
	flags.IntP("interval", "i", 0, "seconds between cycles")
	flags.BoolP("once", "o", false, "run a single cycle")
	flags.BoolP("dry-run", "n", false, "log operations instead of performing them (implies --once)")
	flags.Bool("test", false, "dry run with logging to stdout")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	flags.String("folder-prefix", "", "folder prefix, overrides discovery")
	flags.String("folder-separator", "", "folder separator, overrides discovery")

	imapCmd := &cobra.Command{
		Use:   "imap",
		Short: "Process folders of an IMAP mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, config.BackendIMAP)
		},
	}
	imapFlags := imapCmd.Flags()
	imapFlags.StringP("host", "H", "", "IMAP server")
	imapFlags.Int("port", 0, "IMAP port (default 993 with --ssl, 143 otherwise)")
	imapFlags.StringP("user", "u", "", "IMAP user")
	imapFlags.String("password-command", "", "command printing the IMAP password")
	imapFlags.BoolP("ssl", "s", false, "use implicit TLS")
	imapFlags.Bool("insecure", false, "do not verify the server certificate")
	imapFlags.String("certfile", "", "only trust certificates in this PEM file")
	imapFlags.Int("timeout", 0, "network timeout in seconds")
	imapFlags.String("auth", "", "authentication mechanism: login or plain")
	imapFlags.StringSliceP("folder", "f", nil, "folder to process, may be repeated")
	imapFlags.Int("header-batchsize", 0, "UIDs per header fetch")
	imapFlags.Int("flag-batchsize", 0, "UIDs per flag fetch")
	imapFlags.BoolP("cache-headers", "c", false, "persist the header cache")
	imapFlags.String("cache-file", "", "header cache file")
	imapFlags.String("cache-backend", "", "header cache format: json or sqlite")

	maildirCmd := &cobra.Command{
		Use:   "maildir",
		Short: "Process local maildirs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, config.BackendMaildir)
		},
	}
	maildirFlags := maildirCmd.Flags()
	maildirFlags.String("maildir-base", "", "directory maildir names are relative to")
	maildirFlags.StringSliceP("maildir", "m", nil, "maildir to process, may be repeated")

	rootCmd.AddCommand(imapCmd, maildirCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig binds the flags of cmd to configuration keys and loads the
// configuration for backend.
func loadConfig(cmd *cobra.Command, backend string) (*config.Config, error) {
	v := config.New(backend)

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = bindFlag(v, key, f)
	})
	if bindErr != nil {
		return nil, bindErr
	}

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	explicit := path != ""
	if !explicit {
		path = filepath.Join(config.StateDir(), "config.yaml")
	}

	cfg, err := config.LoadConfig(v, backend, path, explicit)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) error {
	if err := v.BindPFlag(key, f); err != nil {
		return fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
	}
	return nil
}
