package server

import (
	"sort"
	"sync"

	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Session is the identity bound to an identified connection
type Session struct {
	Username string
	Room     string
	Role     protocol.Role
}

// Hub owns the session registry, the room index and the private-address
// table. One RWMutex guards all three so every membership change is atomic
// with respect to the others.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]*Session            // nil session = UNIDENTIFIED
	rooms   map[string]map[*Conn]struct{} // room -> members, never empty
	address map[string]*Conn              // username -> latest identified conn

	// sendMu serializes every fan-out so all members of a room observe
	// broadcasts and presence snapshots in the same order. Lock order is
	// sendMu before mu.
	sendMu sync.Mutex

	logger  *zap.Logger
	metrics *Metrics
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(logger *zap.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:   make(map[*Conn]*Session),
		rooms:   make(map[string]map[*Conn]struct{}),
		address: make(map[string]*Conn),
		logger:  logger,
		metrics: metrics,
	}
}

// Attach registers a new UNIDENTIFIED connection
func (h *Hub) Attach(c *Conn) {
	h.mu.Lock()
	h.conns[c] = nil
	conns := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetConnections(conns)
}

// Lookup returns a copy of the connection's session
func (h *Hub) Lookup(c *Conn) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sess := h.conns[c]
	if sess == nil {
		return Session{}, false
	}
	return *sess, true
}

// Identify binds sess to c, leaving any previous room, joining sess.Room and
// taking over the private address for sess.Username. greeting (may be nil) is
// enqueued to c in the same step, so it precedes any broadcast to the new
// room. Returns the room c was in before, if any.
func (h *Hub) Identify(c *Conn, sess Session, greeting protocol.Outbound) (string, bool, error) {
	data, err := encodeOptional(greeting)
	if err != nil {
		return "", false, err
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	prev, attached := h.conns[c]
	if !attached {
		h.mu.Unlock()
		return "", false, ErrConnClosed
	}

	var prevRoom string
	if prev != nil {
		prevRoom = prev.Room
		h.leaveLocked(c, prev.Room)
		h.dropAddressLocked(c, prev.Username)
	}

	bound := sess
	h.conns[c] = &bound
	h.joinLocked(c, sess.Room)
	h.address[sess.Username] = c
	sessions := h.sessionCountLocked()
	h.mu.Unlock()

	h.metrics.SetSessions(sessions)

	if data != nil {
		if err := c.Enqueue(data); err != nil {
			return prevRoom, prev != nil, err
		}
	}
	return prevRoom, prev != nil, nil
}

// MoveTo switches an identified connection to room, enqueueing reply (may be
// nil) in the same step. moved is false when c is not identified or is
// already in room.
func (h *Hub) MoveTo(c *Conn, room string, reply protocol.Outbound) (prevRoom string, moved bool, err error) {
	data, err := encodeOptional(reply)
	if err != nil {
		return "", false, err
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	sess := h.conns[c]
	if sess == nil || sess.Room == room {
		h.mu.Unlock()
		return "", false, nil
	}
	prevRoom = sess.Room
	h.leaveLocked(c, prevRoom)
	updated := *sess
	updated.Room = room
	h.conns[c] = &updated
	h.joinLocked(c, room)
	h.mu.Unlock()

	if data != nil {
		if err := c.Enqueue(data); err != nil {
			return prevRoom, true, err
		}
	}
	return prevRoom, true, nil
}

// Detach removes c from every index. The private address is released only if
// it still points at c. Returns the room c occupied, if identified. Safe to
// call more than once.
func (h *Hub) Detach(c *Conn) (string, bool) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	sess, attached := h.conns[c]
	if !attached {
		h.mu.Unlock()
		return "", false
	}
	delete(h.conns, c)

	var room string
	if sess != nil {
		room = sess.Room
		h.leaveLocked(c, sess.Room)
		h.dropAddressLocked(c, sess.Username)
	}
	conns := len(h.conns)
	sessions := h.sessionCountLocked()
	h.mu.Unlock()

	h.metrics.SetConnections(conns)
	h.metrics.SetSessions(sessions)
	return room, sess != nil
}

// AddressOf returns the connection currently registered for username
func (h *Hub) AddressOf(username string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.address[username]
	return c, ok
}

// Members returns a snapshot of the connections joined to room
func (h *Hub) Members(room string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return lo.Keys(h.rooms[room])
}

// OnlineUsernames returns the sorted, de-duplicated usernames in room
func (h *Hub) OnlineUsernames(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.onlineUsernamesLocked(room)
}

// roomNames returns the names of all non-empty rooms, sorted
func (h *Hub) roomNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := lo.Keys(h.rooms)
	sort.Strings(rooms)
	return rooms
}

// Counts returns the number of live connections and identified sessions
func (h *Hub) Counts() (conns, sessions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns), h.sessionCountLocked()
}

// Conns returns every live connection
func (h *Hub) Conns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return lo.Keys(h.conns)
}

func (h *Hub) onlineUsernamesLocked(room string) []string {
	members := h.rooms[room]
	names := make([]string, 0, len(members))
	for c := range members {
		if sess := h.conns[c]; sess != nil {
			names = append(names, sess.Username)
		}
	}
	names = lo.Uniq(names)
	sort.Strings(names)
	return names
}

func (h *Hub) joinLocked(c *Conn, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// leaveLocked removes c from room, dropping the room once empty
func (h *Hub) leaveLocked(c *Conn, room string) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) dropAddressLocked(c *Conn, username string) {
	if h.address[username] == c {
		delete(h.address, username)
	}
}

func (h *Hub) sessionCountLocked() int {
	n := 0
	for _, sess := range h.conns {
		if sess != nil {
			n++
		}
	}
	return n
}

func encodeOptional(msg protocol.Outbound) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	return protocol.Encode(msg)
}
