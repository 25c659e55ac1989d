package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/brandon/mailproc/pkg/types"
)

// SQLite persists the header cache in a SQLite database
type SQLite struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// NewSQLite opens (creating if needed) the cache database at dbPath
func NewSQLite(dbPath string, logger *logrus.Logger) (*SQLite, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMA foreign_keys is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLite{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Cache database initialized")
	return s, nil
}

// initSchema initializes the database schema
func (s *SQLite) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load reads every folder and message row
func (s *SQLite) Load() (types.CacheFile, error) {
	cache := make(types.CacheFile)

	rows, err := s.db.Query("SELECT name, uidvalidity FROM folders")
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	for rows.Next() {
		var name, uidValidity string
		if err := rows.Scan(&name, &uidValidity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		cache[name] = types.NewFolderCache(uidValidity)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read folders: %w", err)
	}
	rows.Close()

	rows, err = s.db.Query("SELECT folder, uid, headers, flags FROM messages")
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var folder, uid, headersJSON, flagsJSON string
		if err := rows.Scan(&folder, &uid, &headersJSON, &flagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		fc := cache[folder]
		if fc == nil {
			continue
		}

		msg := &types.CachedMessage{}
		if err := json.Unmarshal([]byte(headersJSON), &msg.Headers); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"folder": folder,
				"uid":    uid,
			}).Warn("Dropping cache entry with unreadable headers")
			continue
		}
		if err := json.Unmarshal([]byte(flagsJSON), &msg.Flags); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"folder": folder,
				"uid":    uid,
			}).Warn("Dropping cache entry with unreadable flags")
			continue
		}
		fc.UIDs[uid] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return cache, nil
}

// Save replaces the database contents with cache in one transaction
func (s *SQLite) Save(cache types.CacheFile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages"); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM folders"); err != nil {
		return fmt.Errorf("failed to clear folders: %w", err)
	}

	folderStmt, err := tx.Prepare("INSERT INTO folders (name, uidvalidity, saved_at) VALUES (?, ?, CURRENT_TIMESTAMP)")
	if err != nil {
		return fmt.Errorf("failed to prepare folder insert: %w", err)
	}
	defer folderStmt.Close()

	msgStmt, err := tx.Prepare("INSERT INTO messages (folder, uid, headers, flags) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	for name, fc := range cache {
		if fc == nil {
			continue
		}
		if _, err := folderStmt.Exec(name, fc.UIDValidity); err != nil {
			return fmt.Errorf("failed to insert folder %s: %w", name, err)
		}

		for uid, msg := range fc.UIDs {
			if msg == nil {
				continue
			}
			headersJSON, err := json.Marshal(msg.Headers)
			if err != nil {
				return fmt.Errorf("failed to marshal headers: %w", err)
			}
			flags := msg.Flags
			if flags == nil {
				flags = []string{}
			}
			flagsJSON, err := json.Marshal(flags)
			if err != nil {
				return fmt.Errorf("failed to marshal flags: %w", err)
			}
			if _, err := msgStmt.Exec(name, uid, string(headersJSON), string(flagsJSON)); err != nil {
				return fmt.Errorf("failed to insert message %s/%s: %w", name, uid, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
