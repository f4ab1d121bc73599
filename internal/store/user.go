package store

import "time"

// UpsertUser inserts or renames a user.
func (db *DB) UpsertUser(id, name string) error {
	_, err := db.Exec(`
		INSERT INTO users (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END`,
		id, name)
	return err
}

// SetOnline records a presence change and stamps last_seen.
func (db *DB) SetOnline(id string, online bool, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO users (id, is_online, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_online = excluded.is_online,
			last_seen = excluded.last_seen`,
		id, online, at.UnixMilli())
	return err
}

// GetUser returns a user or nil if unknown.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, name, is_online, last_seen FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.IsOnline, &u.LastSeen)
	if err != nil {
		return nilIfNoRows[User](err)
	}
	return &u, nil
}
