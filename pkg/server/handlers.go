package server

import (
	"context"
	"time"

	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Error frame texts sent for rejected register requests
const (
	errMissingCredentials = "missing username or password"
	errUsernameTaken      = "username already exists"
	errRegisterFailed     = "registration failed"
)

// dropReason labels frames ignored without a reply
func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrMissingField):
		return "missing_field"
	default:
		return "malformed"
	}
}

// handleFrame decodes one inbound frame and routes it by type. Frames that do
// not decode, and frames that need an identity the connection does not have
// yet, are dropped without a reply.
func (s *Server) handleFrame(ctx context.Context, c *Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordFrameDropped(dropReason(err))
		s.logger.Debug("dropping frame", zap.Uint64("conn", c.ID), zap.Error(err))
		return
	}

	sess, identified := s.hub.Lookup(c)
	if msg.RequiresIdentity() && !identified {
		s.metrics.RecordFrameDropped("unidentified")
		s.logger.Debug("dropping frame from unidentified connection",
			zap.Uint64("conn", c.ID), zap.String("type", msg.Type()))
		return
	}

	ctx, span := s.tracer.Start(ctx, "webchat."+msg.Type(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("webchat.frame_type", msg.Type()),
			attribute.Int64("webchat.conn_id", int64(c.ID)),
		))
	defer span.End()
	if identified {
		span.SetAttributes(
			attribute.String("webchat.username", sess.Username),
			attribute.String("webchat.room", sess.Room))
	}

	start := time.Now()
	s.metrics.RecordFrameReceived(msg.Type())
	s.logger.Debug("frame received", zap.Uint64("conn", c.ID), zap.String("type", msg.Type()))

	switch m := msg.(type) {
	case *protocol.RegisterRequest:
		err = s.handleRegister(ctx, c, m)
	case *protocol.LoginRequest:
		err = s.handleLogin(ctx, c, m)
	case *protocol.JoinRequest:
		err = s.handleJoin(ctx, c, m)
	case *protocol.ChatMessage:
		err = s.handleMessage(ctx, c, sess, m)
	case *protocol.PrivateMessageRequest:
		err = s.handlePrivateMessage(ctx, c, sess, m)
	case *protocol.PrivateHistoryRequest:
		err = s.handlePrivateHistory(ctx, c, sess, m)
	case *protocol.SwitchRoomRequest:
		err = s.handleSwitchRoom(ctx, c, sess, m)
	}

	s.metrics.ObserveFrameDuration(msg.Type(), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("handle frame",
			zap.Uint64("conn", c.ID),
			zap.String("type", msg.Type()),
			zap.Error(err))
	}
}

func (s *Server) handleRegister(ctx context.Context, c *Conn, m *protocol.RegisterRequest) error {
	if m.Username == "" || m.Password == "" {
		return s.reply(c, protocol.NewError(errMissingCredentials))
	}

	created, err := s.directory.CreateUser(ctx, m.Username, m.Password)
	if err != nil {
		s.reply(c, protocol.NewError(errRegisterFailed))
		return errors.Wrapf(err, "create user %q", m.Username)
	}
	if !created {
		return s.reply(c, protocol.NewError(errUsernameTaken))
	}

	s.logger.Info("user registered", zap.String("username", m.Username))
	return s.reply(c, protocol.NewRegisterOK())
}

func (s *Server) handleLogin(ctx context.Context, c *Conn, m *protocol.LoginRequest) error {
	if m.Username == "" || m.Password == "" {
		return s.reply(c, protocol.NewLoginFail())
	}

	ok, err := s.directory.VerifyUser(ctx, m.Username, m.Password)
	if err != nil {
		s.reply(c, protocol.NewLoginFail())
		return errors.Wrapf(err, "verify user %q", m.Username)
	}
	if !ok {
		s.logger.Info("login failed", zap.String("username", m.Username), zap.String("remote", c.RemoteAddr))
		return s.reply(c, protocol.NewLoginFail())
	}

	role, err := s.directory.UserRole(ctx, m.Username)
	if err != nil {
		s.logger.Error("resolve role", zap.String("username", m.Username), zap.Error(err))
	}
	return s.identify(ctx, c, Session{Username: m.Username, Room: m.Room, Role: role})
}

// handleJoin binds a username without checking a password. The role comes
// from the directory, so join must never be treated as authentication.
func (s *Server) handleJoin(ctx context.Context, c *Conn, m *protocol.JoinRequest) error {
	role, err := s.directory.UserRole(ctx, m.Username)
	if err != nil {
		s.logger.Error("resolve role", zap.String("username", m.Username), zap.Error(err))
	}
	return s.identify(ctx, c, Session{Username: m.Username, Room: m.Room, Role: role})
}

// identify binds sess to c, greets it with login_success and announces every
// room whose membership changed
func (s *Server) identify(ctx context.Context, c *Conn, sess Session) error {
	if sess.Role == "" {
		sess.Role = protocol.RoleUser
	}

	history, err := s.store.LoadMessages(ctx, sess.Room)
	if err != nil {
		s.logger.Error("load room history", zap.String("room", sess.Room), zap.Error(err))
	}
	allUsers, err := s.directory.AllUsers(ctx)
	if err != nil {
		s.logger.Error("list users", zap.Error(err))
	}

	greeting := protocol.NewLoginSuccess(sess.Username, sess.Role, sess.Room, history, allUsers)
	prevRoom, wasIdentified, err := s.hub.Identify(c, sess, greeting)
	if err != nil {
		s.hub.Evict(err, c)
		return nil
	}

	s.logger.Info("session bound",
		zap.Uint64("conn", c.ID),
		zap.String("username", sess.Username),
		zap.String("room", sess.Room),
		zap.String("role", string(sess.Role)))

	if wasIdentified && prevRoom != sess.Room {
		s.hub.Announce(prevRoom)
	}
	s.hub.Announce(sess.Room)
	return nil
}

func (s *Server) handleMessage(ctx context.Context, c *Conn, sess Session, m *protocol.ChatMessage) error {
	now := time.Now()
	var saveErr error
	if err := s.store.SaveMessage(ctx, sess.Room, sess.Username, m.Message, now); err != nil {
		saveErr = errors.Wrapf(err, "save message in %q", sess.Room)
	}

	s.hub.Broadcast(sess.Room, protocol.NewMessageEvent(sess.Username, m.Message, protocol.FormatTime(now)))
	return saveErr
}

func (s *Server) handlePrivateMessage(ctx context.Context, c *Conn, sess Session, m *protocol.PrivateMessageRequest) error {
	now := time.Now()
	var saveErr error
	if err := s.store.SavePrivateMessage(ctx, sess.Username, m.To, m.Message, now); err != nil {
		saveErr = errors.Wrapf(err, "save private message to %q", m.To)
	}

	at := protocol.FormatTime(now)
	if receiver, online := s.hub.AddressOf(m.To); online {
		// A failed delivery evicts the receiver inside SendDirect
		_ = s.hub.SendDirect(receiver, protocol.NewPrivateMessageEvent(sess.Username, m.To, m.Message, at))
	}

	echo := protocol.NewPrivateMessageEvent(sess.Username, m.To, m.Message, at)
	echo.IsMe = true
	_ = s.hub.SendDirect(c, echo)
	return saveErr
}

func (s *Server) handlePrivateHistory(ctx context.Context, c *Conn, sess Session, m *protocol.PrivateHistoryRequest) error {
	history, err := s.store.LoadPrivateMessages(ctx, sess.Username, m.WithUser)
	if err != nil {
		s.reply(c, protocol.NewPrivateHistory(nil))
		return errors.Wrapf(err, "load private history with %q", m.WithUser)
	}
	return s.reply(c, protocol.NewPrivateHistory(history))
}

func (s *Server) handleSwitchRoom(ctx context.Context, c *Conn, sess Session, m *protocol.SwitchRoomRequest) error {
	if m.Room == sess.Room {
		return nil
	}

	history, err := s.store.LoadMessages(ctx, m.Room)
	if err != nil {
		s.logger.Error("load room history", zap.String("room", m.Room), zap.Error(err))
	}

	prevRoom, moved, err := s.hub.MoveTo(c, m.Room, protocol.NewRoomHistory(m.Room, history))
	if err != nil {
		s.hub.Evict(err, c)
		return nil
	}
	if !moved {
		return nil
	}

	s.logger.Debug("switched room",
		zap.Uint64("conn", c.ID),
		zap.String("username", sess.Username),
		zap.String("from", prevRoom),
		zap.String("to", m.Room))

	s.hub.Announce(prevRoom)
	s.hub.Announce(m.Room)
	return nil
}

// reply sends msg to c only. Delivery failures evict c and are not reported
// as handler errors.
func (s *Server) reply(c *Conn, msg protocol.Outbound) error {
	_ = s.hub.SendDirect(c, msg)
	return nil
}
