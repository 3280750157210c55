package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"chatrelay/models"
	"chatrelay/passwd"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrContactExists  = errors.New("contact already exists")
	ErrUnknownContact = errors.New("contact not in user list")
)

// DB is the SQLite-backed user directory. It is safe for concurrent use:
// the relay loop writes while admin views read.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			passwd_hash TEXT NOT NULL,
			last_login TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER UNIQUE NOT NULL REFERENCES users(id),
			ip_address TEXT NOT NULL,
			port INTEGER NOT NULL,
			login_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			date_time TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			port INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			contact_id INTEGER NOT NULL REFERENCES users(id),
			date_time TEXT NOT NULL,
			UNIQUE(user_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			user_id INTEGER PRIMARY KEY REFERENCES users(id),
			sent_count INTEGER NOT NULL DEFAULT 0,
			received_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_user ON login_history(user_id, date_time)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id)`,
		// Sessions do not survive a restart.
		`DELETE FROM active_users`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// userID returns the row id of name, or ErrUserNotFound.
func userID(q interface {
	QueryRow(string, ...any) *sql.Row
}, name string) (int64, error) {
	var id int64
	err := q.QueryRow("SELECT id FROM users WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", ErrUserNotFound, name)
	}
	return id, err
}

// User methods

// CreateUser registers name with password, or replaces the password of an
// existing user.
func (db *DB) CreateUser(name, password string) error {
	return db.AddOrUpdateUser(name, passwd.Hash(name, password))
}

// AddOrUpdateUser stores a precomputed password hash for name.
func (db *DB) AddOrUpdateUser(name string, hash []byte) error {
	if name == "" {
		return errors.New("empty user name")
	}
	_, err := db.conn.Exec(
		`INSERT INTO users (name, passwd_hash, last_login) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET passwd_hash = excluded.passwd_hash`,
		name, string(hash), now(),
	)
	return err
}

// RemoveUser deletes name and every record that refers to it.
func (db *DB) RemoveUser(name string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id, err := userID(tx, name)
	if err != nil {
		return err
	}
	for _, query := range []string{
		"DELETE FROM active_users WHERE user_id = ?",
		"DELETE FROM login_history WHERE user_id = ?",
		"DELETE FROM contacts WHERE user_id = ?1 OR contact_id = ?1",
		"DELETE FROM statistics WHERE user_id = ?",
		"DELETE FROM users WHERE id = ?",
	} {
		if _, err := tx.Exec(query, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *DB) UserExists(name string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PasswordHash returns the stored password hash of name.
func (db *DB) PasswordHash(name string) ([]byte, error) {
	var hash string
	err := db.conn.QueryRow("SELECT passwd_hash FROM users WHERE name = ?", name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return []byte(hash), nil
}

// RecordLogin marks name as connected from addr (host:port) and appends an
// entry to the login history.
func (db *DB) RecordLogin(name, addr string) error {
	host, port := splitAddr(addr)

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id, err := userID(tx, name)
	if err != nil {
		return err
	}
	ts := now()
	if _, err := tx.Exec("UPDATE users SET last_login = ? WHERE id = ?", ts, id); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO active_users (user_id, ip_address, port, login_time) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET ip_address = excluded.ip_address,
		   port = excluded.port, login_time = excluded.login_time`,
		id, host, port, ts,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO login_history (user_id, date_time, ip_address, port) VALUES (?, ?, ?, ?)",
		id, ts, host, port,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordLogout clears the active-session record of name.
func (db *DB) RecordLogout(name string) error {
	_, err := db.conn.Exec(
		"DELETE FROM active_users WHERE user_id = (SELECT id FROM users WHERE name = ?)", name)
	return err
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Contact methods

// Contacts returns the contact names of owner, sorted by name.
func (db *DB) Contacts(owner string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT c.name FROM contacts
		 JOIN users o ON o.id = contacts.user_id
		 JOIN users c ON c.id = contacts.contact_id
		 WHERE o.name = ?
		 ORDER BY c.name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		contacts = append(contacts, name)
	}
	return contacts, rows.Err()
}

// AddContact adds the edge owner→contact. It reports ErrUnknownContact if
// contact is not a registered user and ErrContactExists if the edge is
// already present.
func (db *DB) AddContact(owner, contact string) error {
	ownerID, err := userID(db.conn, owner)
	if err != nil {
		return err
	}
	contactID, err := userID(db.conn, contact)
	if errors.Is(err, ErrUserNotFound) {
		return ErrUnknownContact
	} else if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT INTO contacts (user_id, contact_id, date_time) VALUES (?, ?, ?)",
		ownerID, contactID, now(),
	)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrContactExists
	}
	return err
}

// RemoveContact deletes the edge owner→contact. Removing an absent edge is
// not an error, but contact must be a registered user.
func (db *DB) RemoveContact(owner, contact string) error {
	ownerID, err := userID(db.conn, owner)
	if err != nil {
		return err
	}
	contactID, err := userID(db.conn, contact)
	if errors.Is(err, ErrUserNotFound) {
		return ErrUnknownContact
	} else if err != nil {
		return err
	}
	_, err = db.conn.Exec("DELETE FROM contacts WHERE user_id = ? AND contact_id = ?", ownerID, contactID)
	return err
}

// Statistic methods

// RecordDelivered counts one relayed message from sender to recipient.
// Messages a user sends to themselves are not counted.
func (db *DB) RecordDelivered(sender, recipient string) error {
	if sender == recipient {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, upd := range []struct {
		name  string
		query string
	}{
		{sender, `INSERT INTO statistics (user_id, sent_count) VALUES (?, 1)
			ON CONFLICT(user_id) DO UPDATE SET sent_count = sent_count + 1`},
		{recipient, `INSERT INTO statistics (user_id, received_count) VALUES (?, 1)
			ON CONFLICT(user_id) DO UPDATE SET received_count = received_count + 1`},
	} {
		id, err := userID(tx, upd.name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(upd.query, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reporting methods

func (db *DB) Users() ([]models.User, error) {
	rows, err := db.conn.Query("SELECT id, name, last_login FROM users ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lastLogin string
		if err := rows.Scan(&u.ID, &u.Name, &lastLogin); err != nil {
			return nil, err
		}
		u.LastLogin = parseTime(lastLogin)
		users = append(users, u)
	}
	return users, rows.Err()
}

// ActiveUsers lists connected users, most recent login first.
func (db *DB) ActiveUsers() ([]models.ActiveUser, error) {
	rows, err := db.conn.Query(
		`SELECT u.name, a.ip_address, a.port, a.login_time
		 FROM active_users a JOIN users u ON u.id = a.user_id
		 ORDER BY a.login_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var active []models.ActiveUser
	for rows.Next() {
		var a models.ActiveUser
		var loginTime string
		if err := rows.Scan(&a.Name, &a.Address, &a.Port, &loginTime); err != nil {
			return nil, err
		}
		a.LoginTime = parseTime(loginTime)
		active = append(active, a)
	}
	return active, rows.Err()
}

// LoginHistory returns the logins of name, or of every user if name is
// empty, most recent first.
func (db *DB) LoginHistory(name string) ([]models.LoginRecord, error) {
	query := `SELECT u.name, h.date_time, h.ip_address, h.port
		FROM login_history h JOIN users u ON u.id = h.user_id`
	var args []any
	if name != "" {
		query += " WHERE u.name = ?"
		args = append(args, name)
	}
	query += " ORDER BY h.date_time DESC, h.id DESC, u.name"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.LoginRecord
	for rows.Next() {
		var r models.LoginRecord
		var ts string
		if err := rows.Scan(&r.Name, &ts, &r.Address, &r.Port); err != nil {
			return nil, err
		}
		r.Time = parseTime(ts)
		history = append(history, r)
	}
	return history, rows.Err()
}

// Statistics returns relay counters for every user.
func (db *DB) Statistics() ([]models.Statistic, error) {
	rows, err := db.conn.Query(
		`SELECT u.name, u.last_login, COALESCE(s.sent_count, 0), COALESCE(s.received_count, 0)
		 FROM users u LEFT JOIN statistics s ON s.user_id = u.id
		 ORDER BY u.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.Statistic
	for rows.Next() {
		var s models.Statistic
		var lastLogin string
		if err := rows.Scan(&s.Name, &lastLogin, &s.SentCount, &s.ReceivedCount); err != nil {
			return nil, err
		}
		s.LastLogin = parseTime(lastLogin)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
