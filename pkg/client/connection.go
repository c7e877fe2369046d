package client

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrClosed is returned by calls on a closed Connection
	ErrClosed = errors.New("connection closed")
	// ErrTimeout is returned when no matching frame arrives in time
	ErrTimeout = errors.New("timed out waiting for frame")
	// ErrLoginFailed is returned when the server answers login_fail
	ErrLoginFailed = errors.New("login failed")
)

// Frame is one server frame with its type tag already read
type Frame struct {
	Type string
	Data []byte
}

// Decode unmarshals the frame into one of the protocol outbound types
func (f Frame) Decode(v protocol.Outbound) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s", f.Type)
	}
	return nil
}

// Connection is a synchronous chat client: callers write requests and read
// frames themselves, with no background goroutines. One reader and any
// number of writers may use it concurrently.
type Connection struct {
	addr   string
	header http.Header
	ws     *websocket.Conn

	sendMu sync.Mutex // gorilla allows one concurrent writer
	recvMu sync.Mutex // and one concurrent reader

	closeOnce sync.Once
	closed    atomic.Bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewConnection prepares a client for addr (see ParseServerAddress). header
// is sent with the upgrade request and may be nil.
func NewConnection(addr string, header http.Header) (*Connection, error) {
	wsURL, err := ParseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	return &Connection{addr: wsURL, header: header}, nil
}

// Connect opens the WebSocket
func (c *Connection) Connect(ctx context.Context) error {
	if c.ws != nil {
		return errors.New("already connected")
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.addr, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dial %s: HTTP %d", c.addr, resp.StatusCode)
		}
		return errors.Wrapf(err, "dial %s", c.addr)
	}
	c.ws = ws
	return nil
}

// Addr returns the WebSocket URL
func (c *Connection) Addr() string {
	return c.addr
}

// Close sends a close frame and closes the socket. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.ws == nil {
			return
		}
		c.sendMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.sendMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Send writes one request frame
func (c *Connection) Send(msg protocol.Inbound) error {
	if c.closed.Load() || c.ws == nil {
		return ErrClosed
	}
	data, err := protocol.EncodeRequest(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// Receive reads the next frame. A timeout of 0 waits indefinitely. After
// ErrTimeout the socket is unusable and should be closed.
func (c *Connection) Receive(timeout time.Duration) (Frame, error) {
	if c.closed.Load() || c.ws == nil {
		return Frame{}, ErrClosed
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if timeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(timeout))
		defer c.ws.SetReadDeadline(time.Time{})
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return Frame{}, ErrClosed
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Frame{}, ErrTimeout
			}
			return Frame{}, errors.Wrap(err, "read frame")
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.bytesReceived.Add(uint64(len(data)))

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, errors.Wrap(err, "decode frame type")
		}
		return Frame{Type: env.Type, Data: data}, nil
	}
}

// WaitFor reads frames until one of the given types arrives, discarding the
// rest. The timeout covers the whole wait.
func (c *Connection) WaitFor(timeout time.Duration, types ...string) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, ErrTimeout
		}
		frame, err := c.Receive(remaining)
		if err != nil {
			return Frame{}, err
		}
		for _, t := range types {
			if frame.Type == t {
				return frame, nil
			}
		}
	}
}

// BytesSent returns the number of payload bytes written
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of payload bytes read
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}
