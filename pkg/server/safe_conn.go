package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SafeConn wraps a websocket.Conn with write synchronization and deadlines.
//
// gorilla/websocket allows one concurrent writer. The write pump is the only
// caller of WriteMessage/WritePing, but Close may race with it during eviction,
// so every write goes through the mutex.
type SafeConn struct {
	ws           *websocket.Conn
	mu           sync.Mutex // Protects writes to ws
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewSafeConn wraps ws. readLimit caps inbound frame size; pongTimeout is the
// read deadline extended by every pong (0 disables it).
func NewSafeConn(ws *websocket.Conn, readLimit int64, writeTimeout, pongTimeout time.Duration) *SafeConn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	if pongTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongTimeout))
		})
	}
	return &SafeConn{ws: ws, writeTimeout: writeTimeout}
}

// ReadMessage returns the next text frame. Binary frames are skipped.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := sc.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// WriteMessage sends one text frame
func (sc *SafeConn) WriteMessage(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.setWriteDeadline()
	return sc.ws.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a ping control frame
func (sc *SafeConn) WritePing() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.setWriteDeadline()
	return sc.ws.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a close frame (best effort) and closes the socket. Safe to call
// more than once.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = sc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = sc.ws.Close()
	})
	return err
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() string {
	return sc.ws.RemoteAddr().String()
}

func (sc *SafeConn) setWriteDeadline() {
	if sc.writeTimeout > 0 {
		sc.ws.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
}
