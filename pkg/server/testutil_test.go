package server

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aeolun/webchat/pkg/database"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

var testJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// fakeTransport records writes instead of touching a socket
type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	pings   int
	closed  bool
	failErr error
	written chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{written: make(chan struct{}, 1024)}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.writes = append(f.writes, data)
	f.written <- struct{}{}
	return nil
}

func (f *fakeTransport) WritePing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.failErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// frame is a decoded outbound frame
type frame map[string]any

func (f frame) typ() string {
	s, _ := f["type"].(string)
	return s
}

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f frame) strings(key string) []string {
	raw, _ := f[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		out = append(out, s)
	}
	return out
}

func decodeFrame(t testing.TB, data []byte) frame {
	t.Helper()
	var f frame
	require.NoError(t, testJSON.Unmarshal(data, &f))
	return f
}

// drain returns every frame queued on c without a write pump running
func drain(t testing.TB, c *Conn) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case data := <-c.queue:
			out = append(out, decodeFrame(t, data))
		default:
			return out
		}
	}
}

// ofType filters frames by type
func ofType(frames []frame, typ string) []frame {
	var out []frame
	for _, f := range frames {
		if f.typ() == typ {
			out = append(out, f)
		}
	}
	return out
}

var nextTestConnID atomic.Uint64

func newTestConn(queueSize int) *Conn {
	return NewConn(nextTestConnID.Add(1), "test", newFakeTransport(), queueSize, 0, nil)
}

func newTestHub(t *testing.T) *Hub {
	return NewHub(zaptest.NewLogger(t), NewMetrics())
}

// newTestServer builds a server over an in-memory store with cheap hashing
func newTestServer(t *testing.T, logger *zap.Logger) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.MetricsPort = 0
	cfg.MessageRateLimit = 0
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	return NewServerFromStore(cfg, database.NewMemDB(), logger)
}

// attach registers a pump-less test connection with s
func attach(s *Server) *Conn {
	c := newTestConn(64)
	s.hub.Attach(c)
	return c
}

func send(t *testing.T, s *Server, c *Conn, v any) {
	t.Helper()
	data, err := testJSON.Marshal(v)
	require.NoError(t, err)
	s.handleFrame(t.Context(), c, data)
}
