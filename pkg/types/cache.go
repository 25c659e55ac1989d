package types

// CachedMessage holds the serializable metadata of one cached message
type CachedMessage struct {
	Headers map[string]string `json:"headers"`
	Flags   []string          `json:"flags"`
}

// FolderCache holds the cached messages of one folder, valid within one
// UIDVALIDITY epoch
type FolderCache struct {
	UIDValidity string                    `json:"uidvalidity"`
	UIDs        map[string]*CachedMessage `json:"uids"`
}

// CacheFile is the persisted header cache keyed by folder name
type CacheFile map[string]*FolderCache

// NewFolderCache returns an empty folder cache for the given epoch
func NewFolderCache(uidValidity string) *FolderCache {
	return &FolderCache{
		UIDValidity: uidValidity,
		UIDs:        make(map[string]*CachedMessage),
	}
}
