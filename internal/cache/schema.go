package cache

// Schema contains SQL schema definitions for the header cache
const Schema = `
-- Folders table, one row per cached folder epoch
CREATE TABLE IF NOT EXISTS folders (
    name TEXT PRIMARY KEY,
    uidvalidity TEXT NOT NULL,
    saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Messages table, decoded headers and flags stored as JSON
CREATE TABLE IF NOT EXISTS messages (
    folder TEXT NOT NULL,
    uid TEXT NOT NULL,
    headers TEXT NOT NULL,
    flags TEXT NOT NULL,
    PRIMARY KEY (folder, uid),
    FOREIGN KEY (folder) REFERENCES folders(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);
`
