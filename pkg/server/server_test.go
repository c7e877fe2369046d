package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/webchat/pkg/database"
	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// wsClient reads frames on a goroutine so tests can wait for a given type
type wsClient struct {
	conn   *websocket.Conn
	frames chan frame
}

func dial(t *testing.T, url string, header http.Header) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()

	c := &wsClient{conn: conn, frames: make(chan frame, 256)}
	go c.readLoop()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if testJSON.Unmarshal(data, &f) == nil {
			c.frames <- f
		}
	}
}

func (c *wsClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := testJSON.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// expect returns the next frame of type typ, skipping any others
func (c *wsClient) expect(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				t.Fatalf("connection closed waiting for %s", typ)
			}
			if f.typ() == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// expectClosed waits for the server to close the connection
func (c *wsClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection still open")
		}
	}
}

// startServer runs s behind httptest and returns the WebSocket URL
func startServer(t *testing.T, s *Server) (*httptest.Server, string) {
	t.Helper()
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	return ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func e2eServer(t *testing.T) *Server {
	// Connection goroutines may log after the test returns, so no zaptest here
	return newTestServer(t, zap.NewNop())
}

func loginOverWire(t *testing.T, url, username, room string) *wsClient {
	t.Helper()
	c := dial(t, url, nil)
	c.send(t, in{"type": "register", "username": username, "password": "pw"})
	c.expect(t, protocol.TypeRegisterOK)
	c.send(t, in{"type": "login", "username": username, "password": "pw", "room": room})
	c.expect(t, protocol.TypeLoginSuccess)
	return c
}

func TestWebSocketChat(t *testing.T) {
	s := e2eServer(t)
	_, url := startServer(t, s)

	alice := loginOverWire(t, url, "alice", "general")
	alice.expect(t, protocol.TypeUserList)
	bob := loginOverWire(t, url, "bob", "general")

	list := alice.expect(t, protocol.TypeUserList)
	assert.Equal(t, []string{"alice", "bob"}, list.strings("users"))

	bob.send(t, in{"type": "message", "message": "hello alice"})
	got := alice.expect(t, protocol.TypeMessage)
	assert.Equal(t, "bob", got.str("sender"))
	assert.Equal(t, "hello alice", got.str("message"))
	bob.expect(t, protocol.TypeMessage)

	alice.send(t, in{"type": "private_message", "to": "bob", "message": "psst"})
	pm := bob.expect(t, protocol.TypePrivateMessage)
	assert.Equal(t, "alice", pm.str("sender"))
	echo := alice.expect(t, protocol.TypePrivateMessage)
	assert.Equal(t, true, echo["is_me"])
}

func TestWebSocketDisconnectAnnounces(t *testing.T) {
	s := e2eServer(t)
	_, url := startServer(t, s)

	alice := loginOverWire(t, url, "alice", "general")
	bob := loginOverWire(t, url, "bob", "general")
	alice.expect(t, protocol.TypeUserList)
	alice.expect(t, protocol.TypeUserList)

	bob.conn.Close()

	list := alice.expect(t, protocol.TypeUserList)
	assert.Equal(t, []string{"alice"}, list.strings("users"))
	assert.Eventually(t, func() bool {
		conns, _ := s.Hub().Counts()
		return conns == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketOversizedFrameCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.MaxMessageLength = 512
	s := NewServerFromStore(cfg, database.NewMemDB(), zap.NewNop())
	_, url := startServer(t, s)

	c := dial(t, url, nil)
	c.send(t, in{"type": "join", "username": "bigmouth"})
	c.expect(t, protocol.TypeLoginSuccess)

	c.send(t, in{"type": "message", "message": strings.Repeat("x", 2048)})
	c.expectClosed(t)
}

func TestWebSocketOriginPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	s := NewServerFromStore(cfg, database.NewMemDB(), zap.NewNop())
	_, url := startServer(t, s)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	ok := dial(t, url, http.Header{"Origin": {"https://chat.example.com"}})
	ok.send(t, in{"type": "join", "username": "friend"})
	ok.expect(t, protocol.TypeLoginSuccess)
}

func TestShutdownClosesConnections(t *testing.T) {
	s := e2eServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	c := dial(t, url, nil)
	c.send(t, in{"type": "join", "username": "alice"})
	c.expect(t, protocol.TypeLoginSuccess)

	s.Shutdown()
	c.expectClosed(t)

	conns, sessions := s.Hub().Counts()
	assert.Zero(t, conns)
	assert.Zero(t, sessions)
}

func TestHealth(t *testing.T) {
	s := e2eServer(t)
	ts, url := startServer(t, s)

	c := dial(t, url, nil)
	c.send(t, in{"type": "join", "username": "alice"})
	c.expect(t, protocol.TypeLoginSuccess)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health healthResponse
	require.NoError(t, testJSON.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Connections)
	assert.Equal(t, 1, health.Sessions)
}

func TestIndexPage(t *testing.T) {
	s := e2eServer(t)
	ts, _ := startServer(t, s)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "<title>WebChat</title>")
}

func TestIndexPageFromStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>custom</html>"), 0o644))

	cfg := DefaultConfig()
	cfg.StaticDir = dir
	s := NewServerFromStore(cfg, database.NewMemDB(), zap.NewNop())
	ts, _ := startServer(t, s)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "<html>custom</html>", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	s := e2eServer(t)
	_, url := startServer(t, s)
	metrics := httptest.NewServer(s.MetricsRouter())
	defer metrics.Close()

	c := dial(t, url, nil)
	c.send(t, in{"type": "join", "username": "alice"})
	c.expect(t, protocol.TypeLoginSuccess)
	c.send(t, in{"type": "dance"})
	c.send(t, in{"type": "message", "message": "hi"})
	c.expect(t, protocol.TypeMessage)

	resp, err := http.Get(metrics.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	assert.Contains(t, text, "webchat_active_connections 1")
	assert.Contains(t, text, "webchat_active_sessions 1")
	assert.Contains(t, text, `webchat_frames_received_total{type="message"} 1`)
	assert.Contains(t, text, `webchat_frames_dropped_total{reason="unknown_type"} 1`)
}

func TestRateLimitDropsFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.MessageRateLimit = 6 // burst of one
	s := NewServerFromStore(cfg, database.NewMemDB(), zap.NewNop())
	_, url := startServer(t, s)

	c := dial(t, url, nil)
	c.send(t, in{"type": "join", "username": "alice"})
	c.expect(t, protocol.TypeLoginSuccess)

	c.send(t, in{"type": "message", "message": "dropped"})
	c.send(t, in{"type": "join", "username": "alice", "room": "dev"})

	quiet := time.After(300 * time.Millisecond)
	for waiting := true; waiting; {
		select {
		case f := <-c.frames:
			if f.typ() == protocol.TypeMessage || f.typ() == protocol.TypeLoginSuccess {
				t.Fatalf("rate limited frame was handled: %v", f)
			}
		case <-quiet:
			waiting = false
		}
	}

	conns := s.Hub().Conns()
	require.Len(t, conns, 1)
	sess, _ := s.Hub().Lookup(conns[0])
	assert.Equal(t, "general", sess.Room)
}
