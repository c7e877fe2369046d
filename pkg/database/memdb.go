package database

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemDB is an in-memory Store. Nothing survives a restart.
type MemDB struct {
	mu sync.RWMutex

	users    map[string]*User
	messages []*Message
	private  []*PrivateMessage

	// Indexes for fast lookups
	messagesByRoom map[string][]int // room -> positions in messages
	privateByPair  map[pairKey][]int

	nextID int64
}

// pairKey identifies a conversation regardless of direction
type pairKey struct{ a, b string }

func newPairKey(userA, userB string) pairKey {
	if userA > userB {
		userA, userB = userB, userA
	}
	return pairKey{userA, userB}
}

// NewMemDB creates an empty in-memory store
func NewMemDB() *MemDB {
	return &MemDB{
		users:          make(map[string]*User),
		messagesByRoom: make(map[string][]int),
		privateByPair:  make(map[pairKey][]int),
	}
}

func (m *MemDB) id() int64 {
	m.nextID++
	return m.nextID
}

// tail returns the last limit positions, or all of them for a non-positive limit
func tail(positions []int, limit int) []int {
	if limit > 0 && len(positions) > limit {
		return positions[len(positions)-limit:]
	}
	return positions
}

func (m *MemDB) CreateUser(_ context.Context, username, passwordHash, role string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; ok {
		return 0, errors.Wrapf(ErrUserExists, "%q", username)
	}
	user := &User{
		ID:           m.id(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    nowMillis(),
	}
	m.users[username] = user
	return user.ID, nil
}

func (m *MemDB) GetUser(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return nil, errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	copied := *user
	return &copied, nil
}

func (m *MemDB) SetUserRole(_ context.Context, username, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[username]
	if !ok {
		return errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	user.Role = role
	return nil
}

func (m *MemDB) ListUsers(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, user := range m.users {
		copied := *user
		users = append(users, &copied)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *MemDB) SaveMessage(_ context.Context, room, sender, content string, createdAt int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &Message{ID: m.id(), Room: room, Sender: sender, Content: content, CreatedAt: createdAt}
	m.messagesByRoom[room] = append(m.messagesByRoom[room], len(m.messages))
	m.messages = append(m.messages, msg)
	return msg.ID, nil
}

func (m *MemDB) LoadMessages(_ context.Context, room string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	positions := tail(m.messagesByRoom[room], limit)
	messages := make([]*Message, 0, len(positions))
	for _, pos := range positions {
		copied := *m.messages[pos]
		messages = append(messages, &copied)
	}
	return messages, nil
}

func (m *MemDB) SavePrivateMessage(_ context.Context, sender, receiver, content string, createdAt int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &PrivateMessage{ID: m.id(), Sender: sender, Receiver: receiver, Content: content, CreatedAt: createdAt}
	key := newPairKey(sender, receiver)
	m.privateByPair[key] = append(m.privateByPair[key], len(m.private))
	m.private = append(m.private, msg)
	return msg.ID, nil
}

func (m *MemDB) LoadPrivateMessages(_ context.Context, userA, userB string, limit int) ([]*PrivateMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	positions := tail(m.privateByPair[newPairKey(userA, userB)], limit)
	messages := make([]*PrivateMessage, 0, len(positions))
	for _, pos := range positions {
		copied := *m.private[pos]
		messages = append(messages, &copied)
	}
	return messages, nil
}

// Close is a no-op; it exists to satisfy Store
func (m *MemDB) Close() error {
	return nil
}
