package server

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

var (
	// ErrConnClosed is returned when sending to a connection that has been closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a connection's outbound queue has no room.
	ErrSendQueueFull = errors.New("send queue full")
)

// Transport is the wire a Conn writes to. *SafeConn is the production
// implementation.
type Transport interface {
	WriteMessage(data []byte) error
	WritePing() error
	Close() error
}

// Conn is one live client connection: a bounded outbound queue drained by a
// single write pump, so enqueueing never blocks the caller.
type Conn struct {
	ID         uint64
	RemoteAddr string

	transport    Transport
	queue        chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	limiter      *rate.Limiter // nil = unlimited
}

// NewConn creates a Conn. pingInterval 0 disables pings; a nil limiter
// accepts every inbound frame.
func NewConn(id uint64, remoteAddr string, transport Transport, queueSize int, pingInterval time.Duration, limiter *rate.Limiter) *Conn {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Conn{
		ID:           id,
		RemoteAddr:   remoteAddr,
		transport:    transport,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		limiter:      limiter,
	}
}

// Enqueue hands an encoded frame to the write pump. It returns ErrConnClosed
// after Close and ErrSendQueueFull when the client is not keeping up.
func (c *Conn) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// Allow reports whether another inbound frame fits the rate limit
func (c *Conn) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Close stops the write pump and closes the transport. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the queue until the connection closes. A write error
// closes the connection, which ends the read loop and runs teardown.
func (c *Conn) writePump() error {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return nil
		case data := <-c.queue:
			if err := c.transport.WriteMessage(data); err != nil {
				c.Close()
				return errors.Wrap(err, "write frame")
			}
		case <-tick:
			if err := c.transport.WritePing(); err != nil {
				c.Close()
				return errors.Wrap(err, "write ping")
			}
		}
	}
}
