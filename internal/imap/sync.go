package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailproc/internal/cache"
	"github.com/brandon/mailproc/internal/mail"
	"github.com/brandon/mailproc/internal/metrics"
	"github.com/brandon/mailproc/pkg/types"
)

// DefaultBatchSize is the number of UIDs fetched per UID FETCH command.
const DefaultBatchSize = 200

// Options configures a Backend.
type Options struct {
	// Folders to process, each either a single name or components joined
	// with the namespace separator.
	Folders []string

	HeaderBatchSize int
	FlagBatchSize   int

	// DryRun wraps every message so mutations are only logged.
	DryRun bool
}

// Backend keeps a header and flag cache of the configured folders in sync
// with the server and hands out one Message per cached UID.
type Backend struct {
	conn      *Conn
	store     *cache.Store
	submitter *mail.Submitter
	opts      Options
	logger    *logrus.Logger

	// folders lists resolved folder names in processing order.
	folders []string
	// handles holds the live messages of the current cycle, keyed by folder
	// and UID. They reference cache entries but are never persisted.
	handles map[string]map[string]*Message
	// reused lists per folder the UIDs served from the cache this cycle;
	// only their flags need refreshing.
	reused map[string][]string

	loaded      bool
	reconnected bool
}

// NewBackend creates a backend on top of conn. Batch sizes below one fall
// back to DefaultBatchSize.
func NewBackend(conn *Conn, store *cache.Store, submitter *mail.Submitter, opts Options, logger *logrus.Logger) *Backend {
	if opts.HeaderBatchSize <= 0 {
		opts.HeaderBatchSize = DefaultBatchSize
	}
	if opts.FlagBatchSize <= 0 {
		opts.FlagBatchSize = DefaultBatchSize
	}
	return &Backend{
		conn:      conn,
		store:     store,
		submitter: submitter,
		opts:      opts,
		logger:    logger,
		handles:   make(map[string]map[string]*Message),
		reused:    make(map[string][]string),
	}
}

// Open connects to the server.
func (b *Backend) Open(ctx context.Context) error {
	if err := b.conn.Open(ctx); err != nil {
		return err
	}
	ns := b.conn.Namespace()
	for _, folder := range b.opts.Folders {
		b.logger.WithField("folder", ns.Name(mail.Name(folder))).Info("Processing IMAP folder")
	}
	return nil
}

// Namespace returns the folder namespace of the connection.
func (b *Backend) Namespace() mail.Namespace {
	return b.conn.Namespace()
}

// Refresh brings the cache of every configured folder up to date and
// rebuilds the message handles. A persisted cache is loaded on the first call.
func (b *Backend) Refresh(ctx context.Context) error {
	if len(b.opts.Folders) == 0 {
		return errors.New("no folders to process")
	}

	if !b.loaded {
		if err := b.store.Load(); err != nil {
			return err
		}
		b.loaded = true
	}

	b.logger.Info("Updating header cache")
	b.reconnected = false
	b.folders = b.folders[:0]
	b.handles = make(map[string]map[string]*Message)
	b.reused = make(map[string][]string)

	for _, folder := range b.opts.Folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.refreshFolder(ctx, mail.Name(folder)); err != nil {
			return err
		}
	}

	if err := b.refreshFlags(ctx); err != nil {
		return err
	}

	b.logger.Info("Header cache up to date")
	return nil
}

func (b *Backend) refreshFolder(ctx context.Context, folder mail.Target) error {
	name, uidValidity, err := b.conn.Select(ctx, folder)
	if err != nil {
		return err
	}
	if _, seen := b.handles[name]; seen {
		return nil
	}

	nums, err := b.conn.SearchAll(ctx)
	if err != nil {
		return err
	}
	listed := make([]string, 0, len(nums))
	for _, n := range nums {
		listed = append(listed, strconv.FormatUint(uint64(n), 10))
	}
	cache.SortUIDs(listed)

	handles := make(map[string]*Message, len(listed))
	b.folders = append(b.folders, name)
	b.handles[name] = handles

	log := b.logger.WithField("folder", name)
	fc := b.store.Folder(name)

	var missing []string
	if fc == nil || fc.UIDValidity != uidValidity {
		if fc != nil {
			log.WithFields(logrus.Fields{
				"cached":  fc.UIDValidity,
				"current": uidValidity,
			}).Warn("UIDVALIDITY changed, discarding folder cache")
			metrics.CacheInvalidations.Inc()
		}
		b.store.Reset(name, uidValidity)
		missing = listed
	} else {
		present := make(map[string]struct{}, len(listed))
		for _, uid := range listed {
			present[uid] = struct{}{}
		}

		var stale []string
		for uid := range fc.UIDs {
			if _, ok := present[uid]; !ok {
				stale = append(stale, uid)
			}
		}
		if len(stale) > 0 {
			b.store.Evict(name, stale...)
			metrics.CacheEvictions.Add(float64(len(stale)))
			log.WithField("count", len(stale)).Debug("Evicted stale cache entries")
		}

		for _, uid := range listed {
			cached, ok := fc.UIDs[uid]
			if !ok {
				missing = append(missing, uid)
				continue
			}
			handles[uid] = newMessage(b, name, uid, cached.Headers, cached.Flags)
			b.reused[name] = append(b.reused[name], uid)
		}
	}

	return b.fetchHeaders(ctx, name, missing, handles)
}

// fetchHeaders fetches flags and headers of uids in batches and caches them.
func (b *Backend) fetchHeaders(ctx context.Context, folder string, uids []string, handles map[string]*Message) error {
	for _, batch := range batches(uids, b.opts.HeaderBatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		nums, err := parseUIDs(batch)
		if err != nil {
			return err
		}

		fetched, err := b.conn.Session().FetchHeaders(nums)
		if err != nil {
			return fmt.Errorf("fetching headers in folder %s failed: %w", folder, err)
		}
		metrics.FetchBatches.WithLabelValues("headers").Inc()
		metrics.FetchedMessages.WithLabelValues("headers").Add(float64(len(fetched)))

		wanted := make(map[string]struct{}, len(batch))
		for _, uid := range batch {
			wanted[uid] = struct{}{}
		}

		for _, f := range fetched {
			uid := strconv.FormatUint(uint64(f.UID), 10)
			if _, ok := wanted[uid]; !ok {
				continue
			}
			if _, dup := handles[uid]; dup {
				continue
			}

			log := b.logger.WithFields(logrus.Fields{"folder": folder, "uid": uid})
			headers, err := mail.ParseHeaders(bytes.NewReader(f.Header), log)
			if err != nil {
				log.WithError(err).Warn("Could not parse message header")
			}
			flags := f.Flags
			if flags == nil {
				flags = []string{}
			}

			b.store.Put(folder, uid, &types.CachedMessage{Headers: headers, Flags: flags})
			msg := newMessage(b, folder, uid, headers, flags)
			handles[uid] = msg
			log.WithFields(mail.Summary(msg)).Info("New mail detected")
		}
	}
	return nil
}

// refreshFlags re-fetches the flags of every message served from the cache.
func (b *Backend) refreshFlags(ctx context.Context) error {
	b.logger.Debug("Updating message flags")

	for _, folder := range b.folders {
		uids := b.reused[folder]
		if len(uids) == 0 {
			continue
		}
		if err := b.conn.Ensure(ctx, mail.Name(folder)); err != nil {
			return err
		}

		for _, batch := range batches(uids, b.opts.FlagBatchSize) {
			nums, err := parseUIDs(batch)
			if err != nil {
				return err
			}

			fetched, err := b.fetchFlags(ctx, folder, nums)
			if err != nil {
				return err
			}
			if !b.sameEpoch(folder) {
				b.logger.WithField("folder", folder).Warn("UIDVALIDITY changed during flag refresh, skipping folder")
				break
			}

			for _, f := range fetched {
				uid := strconv.FormatUint(uint64(f.UID), 10)
				flags := f.Flags
				if flags == nil {
					flags = []string{}
				}
				if !b.store.SetFlags(folder, uid, flags) {
					continue
				}
				if h := b.handles[folder][uid]; h != nil {
					h.SetFlags(flags)
				}
			}
		}
	}
	return nil
}

// fetchFlags runs one flag batch. A lost connection is answered with one
// reconnect per cycle and the batch is reissued once.
func (b *Backend) fetchFlags(ctx context.Context, folder string, uids []uint32) ([]Fetched, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetched, err := b.conn.Session().FetchFlags(uids)
	metrics.FetchBatches.WithLabelValues("flags").Inc()
	if err == nil {
		metrics.FetchedMessages.WithLabelValues("flags").Add(float64(len(fetched)))
		return fetched, nil
	}
	if !errors.Is(err, ErrConnectionLost) || b.reconnected {
		return nil, fmt.Errorf("fetching flags in folder %s failed: %w", folder, err)
	}

	b.reconnected = true
	metrics.Reconnects.Inc()
	b.logger.WithError(err).WithField("folder", folder).Warn("Connection lost while updating flags, reconnecting")

	if err := b.conn.Reconnect(ctx); err != nil {
		return nil, err
	}
	if err := b.conn.Ensure(ctx, mail.Name(folder)); err != nil {
		return nil, err
	}

	fetched, err = b.conn.Session().FetchFlags(uids)
	metrics.FetchBatches.WithLabelValues("flags").Inc()
	if err != nil {
		return nil, fmt.Errorf("fetching flags in folder %s failed after reconnect: %w", folder, err)
	}
	metrics.FetchedMessages.WithLabelValues("flags").Add(float64(len(fetched)))
	return fetched, nil
}

func (b *Backend) sameEpoch(folder string) bool {
	fc := b.store.Folder(folder)
	current, ok := b.conn.UIDValidity(folder)
	return fc != nil && ok && fc.UIDValidity == current
}

// Messages yields the messages of the last Refresh in folder then UID order.
func (b *Backend) Messages() iter.Seq[mail.Message] {
	return func(yield func(mail.Message) bool) {
		ns := b.conn.Namespace()
		for _, folder := range b.folders {
			handles := b.handles[folder]
			uids := make([]string, 0, len(handles))
			for uid := range handles {
				uids = append(uids, uid)
			}
			cache.SortUIDs(uids)

			for _, uid := range uids {
				var msg mail.Message = handles[uid]
				if b.opts.DryRun {
					msg = mail.DryRun(msg, ns, b.logger)
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Suspend persists the cache and logs out until Resume.
func (b *Backend) Suspend(context.Context) error {
	if err := b.store.Save(); err != nil {
		return err
	}
	if err := b.conn.Close(); err != nil {
		b.logger.WithError(err).Debug("Logout failed")
	}
	return nil
}

// Resume reopens the session after Suspend.
func (b *Backend) Resume(ctx context.Context) error {
	if b.conn.Connected() {
		return nil
	}
	return b.conn.Reconnect(ctx)
}

// Close persists the cache and closes the session and the persister.
func (b *Backend) Close() error {
	b.logger.Info("Saving header cache")
	saveErr := b.store.Save()

	b.logger.Info("Closing IMAP connection")
	if err := b.conn.Close(); err != nil {
		b.logger.WithError(err).Debug("Logout failed")
	}
	if err := b.store.Close(); err != nil && saveErr == nil {
		return err
	}
	return saveErr
}

// batches splits uids into consecutive slices of at most size entries.
func batches(uids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]string, 0, (len(uids)+size-1)/size)
	for start := 0; start < len(uids); start += size {
		end := start + size
		if end > len(uids) {
			end = len(uids)
		}
		out = append(out, uids[start:end])
	}
	return out
}

func parseUIDs(uids []string) ([]uint32, error) {
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		n, err := strconv.ParseUint(uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid UID %q: %w", uid, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
