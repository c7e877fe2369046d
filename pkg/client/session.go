package client

import (
	"time"

	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
)

// ReplyTimeout bounds every request/reply helper below
const ReplyTimeout = 5 * time.Second

// ServerError is an error frame returned for a request
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Register creates an account. Rejections come back as *ServerError.
func (c *Connection) Register(username, password string) error {
	if err := c.Send(&protocol.RegisterRequest{Username: username, Password: password}); err != nil {
		return err
	}
	frame, err := c.WaitFor(ReplyTimeout, protocol.TypeRegisterOK, protocol.TypeError)
	if err != nil {
		return err
	}
	if frame.Type == protocol.TypeError {
		var reply protocol.ErrorMessage
		if err := frame.Decode(&reply); err != nil {
			return err
		}
		return &ServerError{Message: reply.Message}
	}
	return nil
}

// Login authenticates and enters room ("" = server default)
func (c *Connection) Login(username, password, room string) (*protocol.LoginSuccess, error) {
	if err := c.Send(&protocol.LoginRequest{Username: username, Password: password, Room: room}); err != nil {
		return nil, err
	}
	return c.awaitGreeting()
}

// Join enters room under username without a password
func (c *Connection) Join(username, room string) (*protocol.LoginSuccess, error) {
	if err := c.Send(&protocol.JoinRequest{Username: username, Room: room}); err != nil {
		return nil, err
	}
	return c.awaitGreeting()
}

func (c *Connection) awaitGreeting() (*protocol.LoginSuccess, error) {
	frame, err := c.WaitFor(ReplyTimeout, protocol.TypeLoginSuccess, protocol.TypeLoginFail)
	if err != nil {
		return nil, err
	}
	if frame.Type == protocol.TypeLoginFail {
		return nil, ErrLoginFailed
	}
	var greeting protocol.LoginSuccess
	if err := frame.Decode(&greeting); err != nil {
		return nil, err
	}
	return &greeting, nil
}

// Say posts text to the current room
func (c *Connection) Say(text string) error {
	return c.Send(&protocol.ChatMessage{Message: text})
}

// Whisper sends a private message to username
func (c *Connection) Whisper(username, text string) error {
	return c.Send(&protocol.PrivateMessageRequest{To: username, Message: text})
}

// PrivateHistory fetches the conversation with username
func (c *Connection) PrivateHistory(username string) ([]protocol.PrivateHistoryEntry, error) {
	if err := c.Send(&protocol.PrivateHistoryRequest{WithUser: username}); err != nil {
		return nil, err
	}
	frame, err := c.WaitFor(ReplyTimeout, protocol.TypePrivateHistory)
	if err != nil {
		return nil, err
	}
	var reply protocol.PrivateHistory
	if err := frame.Decode(&reply); err != nil {
		return nil, err
	}
	return reply.History, nil
}

// SwitchRoom moves to room and returns its history. Switching to the
// current room gets no reply from the server, so it is rejected here.
func (c *Connection) SwitchRoom(current, room string) (*protocol.RoomHistory, error) {
	if room == current {
		return nil, errors.Newf("already in %q", room)
	}
	if err := c.Send(&protocol.SwitchRoomRequest{Room: room}); err != nil {
		return nil, err
	}
	frame, err := c.WaitFor(ReplyTimeout, protocol.TypeHistory)
	if err != nil {
		return nil, err
	}
	var reply protocol.RoomHistory
	if err := frame.Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
