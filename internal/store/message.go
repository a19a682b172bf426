package store

import "time"

// AppendMessage durably records a message and returns its new id. The id
// comes from an AUTOINCREMENT column, so ids are unique, strictly
// increasing, and never reused even after a purge.
func (db *DB) AppendMessage(username, text string, timestamp int64) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (username, text, timestamp, created_at)
		VALUES (?, ?, ?, ?)`,
		username, text, timestamp, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListRecent returns the most recent messages, oldest first, ordered by id.
// A single query under WAL is a snapshot read: concurrent appends and purges
// do not tear the result.
func (db *DB) ListRecent(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, username, text, timestamp FROM (
			SELECT id, username, text, timestamp
			FROM messages
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Username, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PurgeOlderThan deletes messages with a timestamp before the cutoff and
// returns how many were removed.
func (db *DB) PurgeOlderThan(cutoff int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
