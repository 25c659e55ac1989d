package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/mailproc/internal/cache"
	"github.com/brandon/mailproc/internal/config"
	"github.com/brandon/mailproc/internal/imap"
	"github.com/brandon/mailproc/internal/lockfile"
	"github.com/brandon/mailproc/internal/mail"
	"github.com/brandon/mailproc/internal/maildir"
	"github.com/brandon/mailproc/internal/metrics"
	"github.com/brandon/mailproc/internal/processor"
	"github.com/brandon/mailproc/internal/rules"
)

// run is the body of the imap and maildir commands. Errors before logging
// is set up are returned to cobra; later ones are logged as fatal once the
// backend has been persisted and closed.
func run(cmd *cobra.Command, backend string) error {
	cfg, err := loadConfig(cmd, backend)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logFile, err := openLog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
		go reopenOnHangup(ctx, logFile, logger)
	}

	var pid *lockfile.PIDFile
	if cfg.PIDFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.PIDFile), 0o700); err != nil {
			return fmt.Errorf("failed to create pid file directory: %w", err)
		}
		pid, err = lockfile.WritePID(ctx, cfg.PIDFile, logger)
		if err != nil {
			return err
		}
	}

	err = process(ctx, cfg, logger)
	if pid != nil {
		if closeErr := pid.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("Failed to release pid file")
		}
	}
	if err != nil {
		logger.WithError(err).Fatal("Terminating")
	}
	logger.Info("Done")
	return nil
}

// openLog points logger at the configured log file. It returns nil when
// logging to stdout.
func openLog(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*lockfile.LogFile, error) {
	if cfg.LogFile == "-" || cfg.LogFile == "" {
		logger.SetOutput(os.Stdout)
		return nil, nil
	}

	// Lock retries are reported on stderr until the file is ours.
	logger.SetOutput(os.Stderr)
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	lf, err := lockfile.OpenLog(ctx, cfg.LogFile, logger)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(lf)
	return lf, nil
}

func reopenOnHangup(ctx context.Context, lf *lockfile.LogFile, logger *logrus.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := lf.Reopen(ctx); err != nil {
				logger.WithError(err).Error("Failed to reopen log file")
				continue
			}
			logger.Info("Log file reopened")
		}
	}
}

// process runs the engine, recompiling the rules whenever the rule file
// changes.
func process(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	compiled, err := rules.Load(cfg.RCFile)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.WithError(err).Error("Metrics listener stopped")
			}
		}()
	}

	submitter := mail.NewSubmitter(cfg.Sendmail, cfg.SendmailFlags, logger)

	var b processor.Backend
	switch cfg.Backend {
	case config.BackendIMAP:
		b, err = openIMAP(ctx, cfg, submitter, logger)
	default:
		b = openMaildir(cfg, submitter, logger)
	}
	if err != nil {
		return err
	}

	opts := processor.Options{Interval: cfg.Interval, Once: cfg.Once}
	if cfg.AutoReloadRCFile {
		opts.Watcher, err = processor.NewRCWatcher(cfg.RCFile)
		if err != nil {
			b.Close() //nolint:errcheck
			return err
		}
	}
	engine := processor.New(b, opts, logger)

	for {
		evaluator := rules.NewEvaluator(compiled, logger)
		logger.WithField("rules", evaluator.Len()).Info("Processing")

		err := engine.Run(ctx, evaluator.Evaluate)
		if !errors.Is(err, processor.ErrReload) {
			return err
		}

		compiled, err = rules.Load(cfg.RCFile)
		if err != nil {
			if closeErr := engine.Close(); closeErr != nil {
				logger.WithError(closeErr).Error("Failed to close backend")
			}
			return err
		}
	}
}

func openIMAP(ctx context.Context, cfg *config.Config, submitter *mail.Submitter, logger *logrus.Logger) (*imap.Backend, error) {
	if err := cfg.ResolvePassword(ctx); err != nil {
		return nil, err
	}

	var persister cache.Persister
	if cfg.CacheHeaders {
		switch cfg.CacheBackend {
		case config.CacheSQLite:
			db, err := cache.NewSQLite(cfg.CacheFile, logger)
			if err != nil {
				return nil, err
			}
			persister = db
		default:
			persister = cache.NewJSONFile(cfg.CacheFile)
		}
		logger.WithField("cache_file", cfg.CacheFile).Info("Using persistent header cache")
	}
	store := cache.NewStore(persister, logger)

	dial := imap.NewDialer(imap.DialConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		TLS:      cfg.UseSSL,
		Insecure: cfg.Insecure,
		CertFile: cfg.CertFile,
		Timeout:  cfg.Timeout,
		User:     cfg.User,
		Password: cfg.Password,
		Auth:     cfg.Auth,
	}, logger)
	conn := imap.NewConn(dial, imap.NamespaceOptions{
		Separator: cfg.FolderSeparator,
		Prefix:    cfg.FolderPrefix,
	}, logger)

	b := imap.NewBackend(conn, store, submitter, imap.Options{
		Folders:         cfg.Folders,
		HeaderBatchSize: cfg.HeaderBatchSize,
		FlagBatchSize:   cfg.FlagBatchSize,
		DryRun:          cfg.DryRun,
	}, logger)
	if err := b.Open(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return b, nil
}

func openMaildir(cfg *config.Config, submitter *mail.Submitter, logger *logrus.Logger) *maildir.Backend {
	ns := maildir.DefaultNamespace
	if cfg.FolderSeparator != nil {
		ns.Separator = *cfg.FolderSeparator
	}
	if cfg.FolderPrefix != nil {
		ns.Prefix = *cfg.FolderPrefix
	}

	b := maildir.NewBackend(maildir.Options{
		Base:     cfg.MaildirBase,
		Maildirs: cfg.Maildirs,
		DryRun:   cfg.DryRun,
	}, ns, submitter, logger)
	for _, name := range cfg.Maildirs {
		logger.WithField("maildir", filepath.Join(cfg.MaildirBase, name)).Info("Processing maildir")
	}
	return b
}
