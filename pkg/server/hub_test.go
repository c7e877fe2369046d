package server

import (
	"strconv"
	"sync"
	"testing"

	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func identify(t *testing.T, h *Hub, c *Conn, username, room string) {
	t.Helper()
	_, _, err := h.Identify(c, Session{Username: username, Room: room, Role: protocol.RoleUser}, nil)
	require.NoError(t, err)
}

func TestHubIdentify(t *testing.T) {
	h := newTestHub(t)
	c := newTestConn(8)
	h.Attach(c)

	_, ok := h.Lookup(c)
	assert.False(t, ok, "new connection is unidentified")
	assert.Empty(t, h.roomNames())

	prev, wasIdentified, err := h.Identify(c, Session{Username: "alice", Room: "general", Role: protocol.RoleAdmin}, protocol.NewLoginFail())
	require.NoError(t, err)
	assert.False(t, wasIdentified)
	assert.Empty(t, prev)

	sess, ok := h.Lookup(c)
	require.True(t, ok)
	assert.Equal(t, Session{Username: "alice", Room: "general", Role: protocol.RoleAdmin}, sess)
	assert.Equal(t, []*Conn{c}, h.Members("general"))
	assert.Equal(t, []string{"alice"}, h.OnlineUsernames("general"))

	addr, ok := h.AddressOf("alice")
	require.True(t, ok)
	assert.Same(t, c, addr)

	frames := drain(t, c)
	require.Len(t, frames, 1, "greeting is queued")
	assert.Equal(t, protocol.TypeLoginFail, frames[0].typ())

	conns, sessions := h.Counts()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, sessions)
}

func TestHubIdentifyDetachedConn(t *testing.T) {
	h := newTestHub(t)
	c := newTestConn(8)

	_, _, err := h.Identify(c, Session{Username: "alice", Room: "general"}, nil)
	assert.True(t, errors.Is(err, ErrConnClosed))
	assert.Empty(t, h.roomNames())
}

func TestHubReidentifyMovesConnection(t *testing.T) {
	h := newTestHub(t)
	c := newTestConn(8)
	h.Attach(c)

	identify(t, h, c, "alice", "general")
	prev, wasIdentified, err := h.Identify(c, Session{Username: "alicia", Room: "dev"}, nil)
	require.NoError(t, err)
	assert.True(t, wasIdentified)
	assert.Equal(t, "general", prev)

	assert.Empty(t, h.Members("general"), "old room is left")
	assert.Equal(t, []string{"dev"}, h.roomNames())
	assert.Equal(t, []string{"alicia"}, h.OnlineUsernames("dev"))

	_, ok := h.AddressOf("alice")
	assert.False(t, ok, "old address is released")
	_, ok = h.AddressOf("alicia")
	assert.True(t, ok)
}

func TestHubJoinIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	c := newTestConn(8)
	h.Attach(c)

	identify(t, h, c, "alice", "general")
	identify(t, h, c, "alice", "general")

	assert.Len(t, h.Members("general"), 1)
	assert.Equal(t, []string{"alice"}, h.OnlineUsernames("general"))
}

func TestHubMoveTo(t *testing.T) {
	h := newTestHub(t)
	c := newTestConn(8)
	h.Attach(c)

	_, moved, err := h.MoveTo(c, "dev", nil)
	require.NoError(t, err)
	assert.False(t, moved, "unidentified connections cannot move")

	identify(t, h, c, "alice", "general")

	_, moved, err = h.MoveTo(c, "general", protocol.NewRoomHistory("general", nil))
	require.NoError(t, err)
	assert.False(t, moved, "moving to the current room is a no-op")
	assert.Empty(t, drain(t, c), "no reply for a no-op move")

	prev, moved, err := h.MoveTo(c, "dev", protocol.NewRoomHistory("dev", nil))
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, "general", prev)

	sess, _ := h.Lookup(c)
	assert.Equal(t, "dev", sess.Room)
	assert.Empty(t, h.Members("general"))
	assert.Len(t, h.Members("dev"), 1)

	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeHistory, frames[0].typ())
	assert.Equal(t, "dev", frames[0].str("room"))
}

func TestHubDetach(t *testing.T) {
	h := newTestHub(t)
	c := newTestConn(8)
	h.Attach(c)
	identify(t, h, c, "alice", "general")

	room, identified := h.Detach(c)
	assert.True(t, identified)
	assert.Equal(t, "general", room)
	assert.Empty(t, h.roomNames())
	_, ok := h.AddressOf("alice")
	assert.False(t, ok)

	room, identified = h.Detach(c)
	assert.False(t, identified, "second detach is a no-op")
	assert.Empty(t, room)

	conns, sessions := h.Counts()
	assert.Zero(t, conns)
	assert.Zero(t, sessions)
}

func TestHubDetachUnidentified(t *testing.T) {
	h := newTestHub(t)
	c := newTestConn(8)
	h.Attach(c)

	room, identified := h.Detach(c)
	assert.False(t, identified)
	assert.Empty(t, room)
}

func TestHubAddressLastWriterWins(t *testing.T) {
	h := newTestHub(t)
	first := newTestConn(8)
	second := newTestConn(8)
	h.Attach(first)
	h.Attach(second)

	identify(t, h, first, "alice", "general")
	identify(t, h, second, "alice", "general")

	addr, _ := h.AddressOf("alice")
	assert.Same(t, second, addr)
	assert.Equal(t, []string{"alice"}, h.OnlineUsernames("general"), "duplicate names are collapsed")
	assert.Len(t, h.Members("general"), 2)

	// The older connection leaving must not drop the newer address
	h.Detach(first)
	addr, ok := h.AddressOf("alice")
	require.True(t, ok)
	assert.Same(t, second, addr)
}

func TestHubOnlineUsernamesSorted(t *testing.T) {
	h := newTestHub(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		c := newTestConn(8)
		h.Attach(c)
		identify(t, h, c, name, "general")
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, h.OnlineUsernames("general"))
	assert.Empty(t, h.OnlineUsernames("nowhere"))
}

func TestBroadcastReachesRoomOnly(t *testing.T) {
	h := newTestHub(t)
	a, b, other := newTestConn(8), newTestConn(8), newTestConn(8)
	for _, c := range []*Conn{a, b, other} {
		h.Attach(c)
	}
	identify(t, h, a, "alice", "general")
	identify(t, h, b, "bob", "general")
	identify(t, h, other, "carol", "dev")

	n := h.Broadcast("general", protocol.NewMessageEvent("alice", "hi", "10:00"))
	assert.Equal(t, 2, n)

	for _, c := range []*Conn{a, b} {
		frames := drain(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, "hi", frames[0].str("message"))
	}
	assert.Empty(t, drain(t, other))
}

func TestBroadcastEvictsFullQueue(t *testing.T) {
	h := newTestHub(t)
	alice, carol := newTestConn(8), newTestConn(8)
	slow := newTestConn(1)
	for _, c := range []*Conn{alice, carol, slow} {
		h.Attach(c)
	}
	identify(t, h, alice, "alice", "general")
	identify(t, h, carol, "carol", "general")
	identify(t, h, slow, "bob", "general")

	// Fill the slow connection's only slot
	require.NoError(t, slow.Enqueue([]byte(`{}`)))

	n := h.Broadcast("general", protocol.NewMessageEvent("alice", "hi", "10:00"))
	assert.Equal(t, 2, n)

	assert.True(t, slow.Closed())
	_, ok := h.Lookup(slow)
	assert.False(t, ok)
	_, ok = h.AddressOf("bob")
	assert.False(t, ok)
	assert.Equal(t, []string{"alice", "carol"}, h.OnlineUsernames("general"))

	for _, c := range []*Conn{alice, carol} {
		frames := drain(t, c)
		require.Len(t, frames, 2)
		assert.Equal(t, protocol.TypeMessage, frames[0].typ())
		assert.Equal(t, "hi", frames[0].str("message"))
		assert.Equal(t, protocol.TypeUserList, frames[1].typ(), "room is re-announced after eviction")
		assert.Equal(t, []string{"alice", "carol"}, frames[1].strings("users"))
	}
}

func TestBroadcastEvictsClosedConn(t *testing.T) {
	h := newTestHub(t)
	live := newTestConn(8)
	dead := newTestConn(8)
	h.Attach(live)
	h.Attach(dead)
	identify(t, h, live, "alice", "general")
	identify(t, h, dead, "bob", "general")
	dead.Close()

	h.Broadcast("general", protocol.NewMessageEvent("alice", "hi", "10:00"))

	assert.Len(t, h.Members("general"), 1)
	userlists := ofType(drain(t, live), protocol.TypeUserList)
	require.Len(t, userlists, 1)
	assert.Equal(t, float64(1), userlists[0]["count"])
}

func TestSendDirectEvictsOnFailure(t *testing.T) {
	h := newTestHub(t)
	watcher := newTestConn(8)
	target := newTestConn(8)
	h.Attach(watcher)
	h.Attach(target)
	identify(t, h, watcher, "alice", "general")
	identify(t, h, target, "bob", "general")
	target.Close()

	err := h.SendDirect(target, protocol.NewError("x"))
	assert.True(t, errors.Is(err, ErrConnClosed))

	_, ok := h.AddressOf("bob")
	assert.False(t, ok)
	userlists := ofType(drain(t, watcher), protocol.TypeUserList)
	require.Len(t, userlists, 1)
	assert.Equal(t, []string{"alice"}, userlists[0].strings("users"))
}

func TestAnnounce(t *testing.T) {
	h := newTestHub(t)
	a, b := newTestConn(8), newTestConn(8)
	h.Attach(a)
	h.Attach(b)
	identify(t, h, a, "bob", "general")
	identify(t, h, b, "alice", "general")

	assert.Equal(t, 2, h.Announce("general"))
	for _, c := range []*Conn{a, b} {
		frames := drain(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, []string{"alice", "bob"}, frames[0].strings("users"))
		assert.Equal(t, float64(2), frames[0]["count"])
	}

	assert.Zero(t, h.Announce("empty"))
}

// TestHubInvariants drives random identify/move/detach sequences and checks
// the registry, room index and address table stay consistent
func TestHubInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := NewHub(nil, nil)
		conns := make([]*Conn, rapid.IntRange(1, 6).Draw(t, "conns"))
		for i := range conns {
			conns[i] = newTestConn(256)
			h.Attach(conns[i])
		}
		names := rapid.SampledFrom([]string{"alice", "bob", "carol"})
		rooms := rapid.SampledFrom([]string{"general", "dev", "random"})

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			c := rapid.SampledFrom(conns).Draw(t, "conn")
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				h.Identify(c, Session{Username: names.Draw(t, "name"), Room: rooms.Draw(t, "room")}, nil)
			case 1:
				h.MoveTo(c, rooms.Draw(t, "room"), nil)
			case 2:
				h.Detach(c)
			case 3:
				h.Broadcast(rooms.Draw(t, "room"), protocol.NewMessageEvent("x", "y", "00:00"))
			}
			checkHubInvariants(t, h)
		}
	})
}

type fataler interface {
	Fatalf(format string, args ...any)
}

func checkHubInvariants(t fataler, h *Hub) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for room, members := range h.rooms {
		if len(members) == 0 {
			t.Fatalf("room %q kept while empty", room)
		}
		for c := range members {
			sess, attached := h.conns[c]
			if !attached || sess == nil {
				t.Fatalf("room %q holds an unidentified or detached connection", room)
			}
			if sess.Room != room {
				t.Fatalf("conn in %q but session says %q", room, sess.Room)
			}
		}
	}

	for c, sess := range h.conns {
		if sess == nil {
			continue
		}
		if _, ok := h.rooms[sess.Room][c]; !ok {
			t.Fatalf("session room %q does not list its connection", sess.Room)
		}
		in := 0
		for _, members := range h.rooms {
			if _, ok := members[c]; ok {
				in++
			}
		}
		if in != 1 {
			t.Fatalf("connection is in %d rooms", in)
		}
	}

	for name, c := range h.address {
		sess := h.conns[c]
		if sess == nil || sess.Username != name {
			t.Fatalf("address %q points at a connection not bound to it", name)
		}
	}

	for room := range h.rooms {
		names := h.onlineUsernamesLocked(room)
		for i := 1; i < len(names); i++ {
			if names[i-1] >= names[i] {
				t.Fatalf("online list %v not sorted and unique", names)
			}
		}
	}
}

func TestBroadcastExcept(t *testing.T) {
	h := newTestHub(t)
	sender, other := newTestConn(8), newTestConn(8)
	h.Attach(sender)
	h.Attach(other)
	identify(t, h, sender, "alice", "general")
	identify(t, h, other, "bob", "general")

	n := h.BroadcastExcept("general", protocol.NewMessageEvent("alice", "hi", "10:00"), sender)
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(t, sender))
	assert.Len(t, drain(t, other), 1)
}

// TestHubConcurrentBroadcastOrdering runs broadcasters against one room while
// another goroutine churns sessions in other rooms. Every member must see the
// same frame sequence, and each sender's frames in the order sent.
func TestHubConcurrentBroadcastOrdering(t *testing.T) {
	const (
		senders     = 4
		perSender   = 200
		announceGap = 20
		wantFrames  = senders*perSender + senders*perSender/announceGap
	)

	h := newTestHub(t)
	members := make([]*Conn, 8)
	for i := range members {
		members[i] = newTestConn(2 * wantFrames)
		h.Attach(members[i])
		identify(t, h, members[i], "member"+strconv.Itoa(i), "r")
	}

	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				h.Broadcast("r", protocol.NewMessageEvent("sender"+strconv.Itoa(g), strconv.Itoa(i), "00:00"))
				if (i+1)%announceGap == 0 {
					h.Announce("r")
				}
			}
		}(g)
	}

	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		rooms := []string{"x", "y", "z"}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			c := newTestConn(64)
			h.Attach(c)
			h.Identify(c, Session{Username: "churn" + strconv.Itoa(i%5), Room: rooms[i%3]}, nil)
			h.MoveTo(c, rooms[(i+1)%3], nil)
			h.Broadcast(rooms[(i+1)%3], protocol.NewMessageEvent("churn", "tick", "00:00"))
			if i%2 == 0 {
				h.Detach(c)
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-churned

	checkHubInvariants(t, h)
	assert.Len(t, h.Members("r"), len(members))

	reference := drain(t, members[0])
	require.Len(t, reference, wantFrames)
	for _, c := range members[1:] {
		assert.Equal(t, reference, drain(t, c))
	}

	next := make(map[string]int)
	for _, f := range reference {
		if f.typ() != protocol.TypeMessage {
			continue
		}
		sender := f.str("sender")
		assert.Equal(t, strconv.Itoa(next[sender]), f.str("message"), "frames from %s out of order", sender)
		next[sender]++
	}
	assert.Len(t, next, senders)
}
