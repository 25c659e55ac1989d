// Package metrics exposes prometheus counters for the sync engine and an
// optional HTTP listener serving them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	FetchBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailproc_imap_fetch_batches_total",
			Help: "IMAP UID FETCH batches issued.",
		},
		[]string{
			"kind", // headers, flags
		},
	)
	FetchedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailproc_imap_fetched_messages_total",
			Help: "Messages returned by IMAP UID FETCH.",
		},
		[]string{
			"kind", // headers, flags
		},
	)
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailproc_imap_reconnects_total",
			Help: "IMAP sessions reopened after a lost connection.",
		},
	)
	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailproc_cache_invalidations_total",
			Help: "Folder caches discarded because UIDVALIDITY changed.",
		},
	)
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailproc_cache_evictions_total",
			Help: "Cached messages dropped because the server no longer lists them.",
		},
	)
	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailproc_actions_total",
			Help: "Message operations performed.",
		},
		[]string{
			"backend", // imap, maildir
			"action",  // copy, move, delete, forward
		},
	)
	Cycles = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailproc_cycle_duration_seconds",
			Help:    "Duration of one refresh and evaluation cycle.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{
			"result", // ok, error, canceled
		},
	)
)

// Serve serves /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}
