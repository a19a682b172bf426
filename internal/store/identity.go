package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrIdentityNotFound is returned by Find for an unknown username.
var ErrIdentityNotFound = errors.New("identity not found")

// UpsertOnline records a username as online, creating the identity on first
// join. Idempotent: repeating the call only refreshes last_seen.
func (db *DB) UpsertOnline(username string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO identities (username, online, last_seen, created_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			online = 1,
			last_seen = excluded.last_seen`,
		username, now, now)
	return err
}

// MarkOffline flips an identity offline and stamps last_seen. Unknown
// usernames are a no-op.
func (db *DB) MarkOffline(username string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE identities SET online = 0, last_seen = ? WHERE username = ?`, now, username)
	return err
}

// Find returns the identity for a username, or ErrIdentityNotFound.
func (db *DB) Find(username string) (*Identity, error) {
	var id Identity
	var online int
	err := db.QueryRow(`SELECT username, online, last_seen FROM identities WHERE username = ?`, username).
		Scan(&id.Username, &online, &id.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	id.Online = online != 0
	return &id, nil
}

// ListIdentities returns every known identity, ordered by username.
func (db *DB) ListIdentities() ([]Identity, error) {
	rows, err := db.Query(`SELECT username, online, last_seen FROM identities ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []Identity
	for rows.Next() {
		var id Identity
		var online int
		if err := rows.Scan(&id.Username, &online, &id.LastSeen); err != nil {
			return nil, err
		}
		id.Online = online != 0
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
