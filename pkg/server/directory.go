package server

import (
	"context"
	"time"

	"github.com/aeolun/webchat/pkg/database"
	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// Directory authenticates users and resolves their roles
type Directory interface {
	// CreateUser returns false when the username is already taken
	CreateUser(ctx context.Context, username, password string) (bool, error)
	VerifyUser(ctx context.Context, username, password string) (bool, error)
	// UserRole returns RoleUser for unknown usernames
	UserRole(ctx context.Context, username string) (protocol.Role, error)
	AllUsers(ctx context.Context) ([]string, error)
}

// MessageStore persists and retrieves room and private history
type MessageStore interface {
	SaveMessage(ctx context.Context, room, username, text string, at time.Time) error
	LoadMessages(ctx context.Context, room string) ([]protocol.HistoryEntry, error)
	SavePrivateMessage(ctx context.Context, from, to, text string, at time.Time) error
	LoadPrivateMessages(ctx context.Context, userA, userB string) ([]protocol.PrivateHistoryEntry, error)
}

// StoreDirectory is a Directory backed by a database.Store with bcrypt
// password hashes
type StoreDirectory struct {
	store  database.Store
	cost   int
	admins map[string]bool
}

// NewDirectory creates a StoreDirectory. Accounts created for a username in
// admins get RoleAdmin. A cost of 0 uses bcrypt.DefaultCost.
func NewDirectory(store database.Store, cost int, admins []string) *StoreDirectory {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &StoreDirectory{
		store:  store,
		cost:   cost,
		admins: lo.SliceToMap(admins, func(name string) (string, bool) { return name, true }),
	}
}

func (d *StoreDirectory) CreateUser(ctx context.Context, username, password string) (bool, error) {
	role := protocol.RoleUser
	if d.admins[username] {
		role = protocol.RoleAdmin
	}
	return d.CreateUserWithRole(ctx, username, password, role)
}

// CreateUserWithRole is CreateUser with an explicit role
func (d *StoreDirectory) CreateUserWithRole(ctx context.Context, username, password string, role protocol.Role) (bool, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return false, errors.Wrap(err, "hash password")
	}
	if _, err := d.store.CreateUser(ctx, username, string(hash), string(role)); err != nil {
		if errors.Is(err, database.ErrUserExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *StoreDirectory) VerifyUser(ctx context.Context, username, password string) (bool, error) {
	user, err := d.store.GetUser(ctx, username)
	if errors.Is(err, database.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "compare password")
	}
	return true, nil
}

func (d *StoreDirectory) UserRole(ctx context.Context, username string) (protocol.Role, error) {
	user, err := d.store.GetUser(ctx, username)
	if errors.Is(err, database.ErrUserNotFound) {
		return protocol.RoleUser, nil
	}
	if err != nil {
		return protocol.RoleUser, err
	}
	if user.Role == "" {
		return protocol.RoleUser, nil
	}
	return protocol.Role(user.Role), nil
}

func (d *StoreDirectory) AllUsers(ctx context.Context) ([]string, error) {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(users, func(u *database.User, _ int) string { return u.Username }), nil
}

// SetRole changes an existing account's role
func (d *StoreDirectory) SetRole(ctx context.Context, username string, role protocol.Role) error {
	return d.store.SetUserRole(ctx, username, string(role))
}

// StoreArchive is a MessageStore backed by a database.Store. History replies
// are capped at the most recent limit messages.
type StoreArchive struct {
	store database.Store
	limit int
}

// NewArchive creates a StoreArchive; limit <= 0 returns full history
func NewArchive(store database.Store, limit int) *StoreArchive {
	return &StoreArchive{store: store, limit: limit}
}

func (a *StoreArchive) SaveMessage(ctx context.Context, room, username, text string, at time.Time) error {
	_, err := a.store.SaveMessage(ctx, room, username, text, at.UnixMilli())
	return err
}

func (a *StoreArchive) LoadMessages(ctx context.Context, room string) ([]protocol.HistoryEntry, error) {
	messages, err := a.store.LoadMessages(ctx, room, a.limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(messages, func(m *database.Message, _ int) protocol.HistoryEntry {
		return protocol.HistoryEntry{
			Sender:  m.Sender,
			Message: m.Content,
			Time:    protocol.FormatTime(time.UnixMilli(m.CreatedAt)),
		}
	}), nil
}

func (a *StoreArchive) SavePrivateMessage(ctx context.Context, from, to, text string, at time.Time) error {
	_, err := a.store.SavePrivateMessage(ctx, from, to, text, at.UnixMilli())
	return err
}

func (a *StoreArchive) LoadPrivateMessages(ctx context.Context, userA, userB string) ([]protocol.PrivateHistoryEntry, error) {
	messages, err := a.store.LoadPrivateMessages(ctx, userA, userB, a.limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(messages, func(m *database.PrivateMessage, _ int) protocol.PrivateHistoryEntry {
		return protocol.PrivateHistoryEntry{
			Sender:   m.Sender,
			Receiver: m.Receiver,
			Message:  m.Content,
			Time:     protocol.FormatTime(time.UnixMilli(m.CreatedAt)),
		}
	}), nil
}
