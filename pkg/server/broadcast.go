package server

import (
	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Broadcast delivers msg to every member of room. Members whose delivery
// fails are evicted and the room is re-announced. Returns the number of
// members the frame was queued for.
func (h *Hub) Broadcast(room string, msg protocol.Outbound) int {
	return h.fanout(room, nil, func() protocol.Outbound { return msg })
}

// BroadcastExcept is Broadcast skipping exclude
func (h *Hub) BroadcastExcept(room string, msg protocol.Outbound, exclude *Conn) int {
	return h.fanout(room, exclude, func() protocol.Outbound { return msg })
}

// Announce sends the room's current presence snapshot to its members. The
// snapshot is taken under the send lock so it reflects every membership
// change ordered before it.
func (h *Hub) Announce(room string) int {
	return h.fanout(room, nil, func() protocol.Outbound {
		return protocol.NewUserList(h.OnlineUsernames(room))
	})
}

// SendDirect queues msg for one connection. A failed delivery evicts the
// connection.
func (h *Hub) SendDirect(c *Conn, msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.Enqueue(data); err != nil {
		h.Evict(err, c)
		return err
	}
	h.metrics.RecordFrameSent(msg.FrameType(), 1)
	return nil
}

// Evict closes the given connections, removes them from every index and
// announces each vacated room once.
func (h *Hub) Evict(reason error, conns ...*Conn) {
	var vacated []string
	for _, c := range conns {
		room, identified := h.Detach(c)
		c.Close()
		h.metrics.RecordEviction(evictionReason(reason))
		h.logger.Info("evicted connection",
			zap.Uint64("conn", c.ID),
			zap.String("room", room),
			zap.Error(reason))
		if identified {
			vacated = append(vacated, room)
		}
	}
	for _, room := range lo.Uniq(vacated) {
		h.Announce(room)
	}
}

// fanout builds and enqueues one frame for every member of room but exclude
// while holding the send lock
func (h *Hub) fanout(room string, exclude *Conn, build func() protocol.Outbound) int {
	h.sendMu.Lock()
	msg := build()
	data, err := protocol.Encode(msg)
	if err != nil {
		h.sendMu.Unlock()
		h.logger.Error("encode frame", zap.String("room", room), zap.Error(err))
		return 0
	}

	members := h.Members(room)
	if exclude != nil {
		members = lo.Without(members, exclude)
	}
	var failed []*Conn
	var cause error
	for _, c := range members {
		if err := c.Enqueue(data); err != nil {
			failed = append(failed, c)
			cause = err
		}
	}
	h.sendMu.Unlock()

	delivered := len(members) - len(failed)
	h.metrics.RecordFrameSent(msg.FrameType(), delivered)
	h.metrics.ObserveFanout(delivered)

	if len(failed) > 0 {
		h.Evict(cause, failed...)
	}
	return delivered
}

func evictionReason(err error) string {
	switch {
	case errors.Is(err, ErrSendQueueFull):
		return "queue_full"
	case errors.Is(err, ErrConnClosed):
		return "closed"
	default:
		return "error"
	}
}
