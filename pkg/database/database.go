package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound indicates no account has the given username.
	ErrUserNotFound = errors.New("user not found")
)

// MemoryPath selects the in-memory store instead of a SQLite file
const MemoryPath = ":memory:"

// Store is the persistence surface shared by DB and MemDB
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash, role string) (int64, error)
	GetUser(ctx context.Context, username string) (*User, error)
	SetUserRole(ctx context.Context, username, role string) error
	ListUsers(ctx context.Context) ([]*User, error)

	SaveMessage(ctx context.Context, room, sender, content string, createdAt int64) (int64, error)
	LoadMessages(ctx context.Context, room string, limit int) ([]*Message, error)
	SavePrivateMessage(ctx context.Context, sender, receiver, content string, createdAt int64) (int64, error)
	LoadPrivateMessages(ctx context.Context, userA, userB string, limit int) ([]*PrivateMessage, error)

	Close() error
}

// OpenStore opens a SQLite database at path, or a MemDB when path is MemoryPath
func OpenStore(path string) (Store, error) {
	if path == MemoryPath {
		return NewMemDB(), nil
	}
	return Open(path)
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "exec %q", pragma)
		}
	}
	return conn, nil
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open write connection")
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	db := &DB{conn: conn, writeConn: writeConn}

	if err := runMigrations(writeConn); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// User represents a registered account
type User struct {
	ID           int64
	Username     string
	PasswordHash string // bcrypt hash
	Role         string
	CreatedAt    int64 // Unix timestamp in milliseconds
}

// Message represents one public room message
type Message struct {
	ID        int64
	Room      string
	Sender    string
	Content   string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// PrivateMessage represents one direct message between two users
type PrivateMessage struct {
	ID        int64
	Sender    string
	Receiver  string
	Content   string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// sqlLimit maps a non-positive limit to SQLite's "no limit"
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser registers a new account. Returns ErrUserExists if the username is taken.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash, role string) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO User (username, password_hash, role, created_at)
		VALUES (?, ?, ?, ?)
	`, username, passwordHash, role, nowMillis())
	if isUniqueViolation(err) {
		return 0, errors.Wrapf(ErrUserExists, "%q", username)
	}
	if err != nil {
		return 0, errors.Wrap(err, "insert user")
	}

	userID, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "last insert id")
	}
	return userID, nil
}

// GetUser retrieves a user by username for login validation
func (db *DB) GetUser(ctx context.Context, username string) (*User, error) {
	var user User
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM User
		WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select user")
	}
	return &user, nil
}

// SetUserRole changes the role of an existing account
func (db *DB) SetUserRole(ctx context.Context, username, role string) error {
	result, err := db.writeConn.ExecContext(ctx, `UPDATE User SET role = ? WHERE username = ?`, role, username)
	if err != nil {
		return errors.Wrap(err, "update role")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	return nil
}

// ListUsers retrieves all registered users, sorted by username
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM User
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "select users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate users")
	}
	return users, nil
}

// SaveMessage appends a public message to a room's history
func (db *DB) SaveMessage(ctx context.Context, room, sender, content string, createdAt int64) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Message (room, sender, content, created_at)
		VALUES (?, ?, ?, ?)
	`, room, sender, content, createdAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert message")
	}
	return result.LastInsertId()
}

// LoadMessages returns the most recent limit messages of a room, oldest first.
// A non-positive limit returns the whole history.
func (db *DB) LoadMessages(ctx context.Context, room string, limit int) ([]*Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, room, sender, content, created_at FROM (
			SELECT id, room, sender, content, created_at
			FROM Message
			WHERE room = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, room, sqlLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return messages, nil
}

// SavePrivateMessage appends a direct message
func (db *DB) SavePrivateMessage(ctx context.Context, sender, receiver, content string, createdAt int64) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO PrivateMessage (sender, receiver, content, created_at)
		VALUES (?, ?, ?, ?)
	`, sender, receiver, content, createdAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert private message")
	}
	return result.LastInsertId()
}

// LoadPrivateMessages returns the most recent limit messages exchanged between
// userA and userB in either direction, oldest first
func (db *DB) LoadPrivateMessages(ctx context.Context, userA, userB string, limit int) ([]*PrivateMessage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, receiver, content, created_at FROM (
			SELECT id, sender, receiver, content, created_at
			FROM PrivateMessage
			WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, userA, userB, userB, userA, sqlLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "select private messages")
	}
	defer rows.Close()

	var messages []*PrivateMessage
	for rows.Next() {
		var msg PrivateMessage
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan private message")
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate private messages")
	}
	return messages, nil
}
