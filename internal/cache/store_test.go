package cache

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailproc/pkg/types"
)

func sampleCache() types.CacheFile {
	inbox := types.NewFolderCache("1234")
	inbox.UIDs["1"] = &types.CachedMessage{
		Headers: map[string]string{"subject": "hello", "from": "a@example.com"},
		Flags:   []string{`\Seen`},
	}
	inbox.UIDs["10"] = &types.CachedMessage{
		Headers: map[string]string{"subject": "Grüße"},
		Flags:   []string{},
	}
	lists := types.NewFolderCache("99")
	return types.CacheFile{"INBOX": inbox, "INBOX.lists": lists}
}

func TestStorePendingDeletionsPurgedOnSave(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewStore(nil, logger)

	s.Reset("INBOX", "7")
	s.Put("INBOX", "1", &types.CachedMessage{Headers: map[string]string{}})
	s.Put("INBOX", "2", &types.CachedMessage{Headers: map[string]string{}})
	s.MarkDeleted("INBOX", "1")
	s.MarkDeleted("INBOX", "missing")

	_, ok := s.Get("INBOX", "1")
	require.True(t, ok, "entry stays until the next persistence point")

	require.NoError(t, s.Save())
	_, ok = s.Get("INBOX", "1")
	require.False(t, ok)
	require.Equal(t, []string{"2"}, slices.Sorted(maps.Keys(s.Folder("INBOX").UIDs)))
	require.Empty(t, s.pending["INBOX"])
}

func TestStoreResetStartsNewEpoch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewStore(nil, logger)

	s.Reset("INBOX", "1")
	s.Put("INBOX", "5", &types.CachedMessage{})
	s.MarkDeleted("INBOX", "5")

	fc := s.Reset("INBOX", "2")
	require.Equal(t, "2", fc.UIDValidity)
	require.Empty(t, fc.UIDs)
	require.Empty(t, s.pending["INBOX"])
}

func TestStoreSetFlags(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewStore(nil, logger)
	s.Reset("INBOX", "1")
	s.Put("INBOX", "3", &types.CachedMessage{Flags: []string{`\Seen`}})

	require.True(t, s.SetFlags("INBOX", "3", []string{`\Flagged`}))
	msg, _ := s.Get("INBOX", "3")
	require.Equal(t, []string{`\Flagged`}, msg.Flags)
	require.False(t, s.SetFlags("INBOX", "4", nil))
	require.False(t, s.SetFlags("Other", "3", nil))
}

func TestSortUIDsNumeric(t *testing.T) {
	uids := []string{"10", "9", "100", "1", "x"}
	SortUIDs(uids)
	require.Equal(t, []string{"1", "9", "10", "100", "x"}, uids)
}

func TestJSONFileMissingIsEmpty(t *testing.T) {
	f := NewJSONFile(filepath.Join(t.TempDir(), "none.cache"))
	cache, err := f.Load()
	require.NoError(t, err)
	require.Empty(t, cache)
}

func TestJSONFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "host.cache")
	f := NewJSONFile(path)

	want := sampleCache()
	require.NoError(t, f.Save(want))

	got, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file must be renamed away")
}

func TestJSONFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cache")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewJSONFile(path).Load()
	require.Error(t, err)
}

func TestSQLiteRoundTrip(t *testing.T) {
	logger, _ := test.NewNullLogger()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	defer db.Close()

	want := sampleCache()
	require.NoError(t, db.Save(want))

	got, err := db.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)

	// a second save replaces rather than merges
	delete(want, "INBOX.lists")
	delete(want["INBOX"].UIDs, "1")
	require.NoError(t, db.Save(want))

	got, err = db.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStoreLoadThroughPersister(t *testing.T) {
	logger, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "host.cache")
	require.NoError(t, NewJSONFile(path).Save(sampleCache()))

	s := NewStore(NewJSONFile(path), logger)
	require.NoError(t, s.Load())
	require.Equal(t, []string{"1", "10"}, slices.Sorted(maps.Keys(s.Folder("INBOX").UIDs)))
	require.NotNil(t, s.Folder("INBOX.lists"))

	s.MarkDeleted("INBOX", "1")
	require.NoError(t, s.Save())

	reloaded, err := NewJSONFile(path).Load()
	require.NoError(t, err)
	require.NotContains(t, reloaded["INBOX"].UIDs, "1")
}
