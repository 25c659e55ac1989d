package cache

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailproc/pkg/types"
)

// Persister loads and saves the complete header cache
type Persister interface {
	Load() (types.CacheFile, error)
	Save(types.CacheFile) error
	Close() error
}

// Store is the in-memory header cache: folder -> UIDVALIDITY + UID -> metadata.
// It only holds serializable data; live message handles are kept by the
// backend and looked up by UID.
type Store struct {
	folders   types.CacheFile
	pending   map[string][]string
	persister Persister
	logger    *logrus.Logger
}

// NewStore creates an empty store. A nil persister keeps the cache in memory only.
func NewStore(persister Persister, logger *logrus.Logger) *Store {
	return &Store{
		folders:   make(types.CacheFile),
		pending:   make(map[string][]string),
		persister: persister,
		logger:    logger,
	}
}

// Load replaces the in-memory cache with the persisted one. Without a
// persister the current cache is kept.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}

	folders, err := s.persister.Load()
	if err != nil {
		return fmt.Errorf("failed to load header cache: %w", err)
	}
	for name, fc := range folders {
		if fc == nil {
			delete(folders, name)
			continue
		}
		if fc.UIDs == nil {
			fc.UIDs = make(map[string]*types.CachedMessage)
		}
	}
	s.folders = folders

	s.logger.WithField("folders", len(folders)).Debug("Header cache loaded")
	return nil
}

// Save purges pending deletions and writes the cache through the persister.
func (s *Store) Save() error {
	purged := s.PurgeDeleted()
	if s.persister == nil {
		return nil
	}

	if err := s.persister.Save(s.folders); err != nil {
		return fmt.Errorf("failed to save header cache: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"folders": len(s.folders),
		"purged":  purged,
	}).Debug("Header cache saved")
	return nil
}

// Close closes the persister
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// Folder returns the cache of a folder, or nil if the folder is not cached
func (s *Store) Folder(name string) *types.FolderCache {
	return s.folders[name]
}

// Reset discards the cache of a folder and starts a new epoch
func (s *Store) Reset(name, uidValidity string) *types.FolderCache {
	fc := types.NewFolderCache(uidValidity)
	s.folders[name] = fc
	delete(s.pending, name)
	return fc
}

// Get returns the cached metadata of a message
func (s *Store) Get(folder, uid string) (*types.CachedMessage, bool) {
	fc := s.folders[folder]
	if fc == nil {
		return nil, false
	}
	msg, ok := fc.UIDs[uid]
	return msg, ok
}

// Put stores message metadata. The folder must have been created with Reset.
func (s *Store) Put(folder, uid string, msg *types.CachedMessage) {
	fc := s.folders[folder]
	if fc == nil {
		return
	}
	fc.UIDs[uid] = msg
}

// Evict removes messages from a folder's cache
func (s *Store) Evict(folder string, uids ...string) {
	fc := s.folders[folder]
	if fc == nil {
		return
	}
	for _, uid := range uids {
		delete(fc.UIDs, uid)
	}
}

// SetFlags replaces the cached flags of a message. It returns false if the
// message is not cached.
func (s *Store) SetFlags(folder, uid string, flags []string) bool {
	msg, ok := s.Get(folder, uid)
	if !ok {
		return false
	}
	msg.Flags = append([]string(nil), flags...)
	return true
}

// MarkDeleted queues a message for removal at the next persistence point.
func (s *Store) MarkDeleted(folder, uid string) {
	s.pending[folder] = append(s.pending[folder], uid)
}

// PurgeDeleted removes all queued messages from the cache and returns how
// many entries were dropped.
func (s *Store) PurgeDeleted() int {
	purged := 0
	for folder, uids := range s.pending {
		fc := s.folders[folder]
		if fc == nil {
			continue
		}
		for _, uid := range uids {
			if _, ok := fc.UIDs[uid]; ok {
				delete(fc.UIDs, uid)
				purged++
			}
		}
	}
	s.pending = make(map[string][]string)
	return purged
}

// SortUIDs sorts UIDs numerically; non-numeric UIDs sort last, lexically.
func SortUIDs(uids []string) {
	sort.Slice(uids, func(i, j int) bool {
		a, errA := strconv.ParseUint(uids[i], 10, 32)
		b, errB := strconv.ParseUint(uids[j], 10, 32)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return uids[i] < uids[j]
	})
}
