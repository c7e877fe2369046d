package protocol

import "strings"

// Inbound frame types (Client → Server)
const (
	TypeRegister          = "register"
	TypeLogin             = "login"
	TypeJoin              = "join"
	TypeMessage           = "message"
	TypePrivateMessage    = "private_message"
	TypeGetPrivateHistory = "get_private_history"
	TypeSwitchRoom        = "switch_room"
)

// Outbound frame types (Server → Client)
const (
	TypeLoginSuccess   = "login_success"
	TypeLoginFail      = "login_fail"
	TypeRegisterOK     = "register_ok"
	TypeError          = "error"
	TypeUserList       = "userlist"
	TypeHistory        = "history"
	TypePrivateHistory = "private_history"
	// TypeMessage and TypePrivateMessage are reused for the fan-out events
)

// Role is the permission level a Directory assigns to a user
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Inbound is implemented by every client frame variant
type Inbound interface {
	// Type returns the wire type tag
	Type() string
	// RequiresIdentity reports whether the connection must have a session
	// before this frame is acted on
	RequiresIdentity() bool
	// normalize trims fields, applies defaults and rejects missing fields
	normalize() error
}

func newInbound(frameType string) (Inbound, bool) {
	switch frameType {
	case TypeRegister:
		return &RegisterRequest{}, true
	case TypeLogin:
		return &LoginRequest{}, true
	case TypeJoin:
		return &JoinRequest{}, true
	case TypeMessage:
		return &ChatMessage{}, true
	case TypePrivateMessage:
		return &PrivateMessageRequest{}, true
	case TypeGetPrivateHistory:
		return &PrivateHistoryRequest{}, true
	case TypeSwitchRoom:
		return &SwitchRoomRequest{}, true
	}
	return nil, false
}

// RegisterRequest creates an account. Blank fields are not a decode error:
// the dispatcher answers them with an error frame.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (*RegisterRequest) Type() string           { return TypeRegister }
func (*RegisterRequest) RequiresIdentity() bool { return false }

func (m *RegisterRequest) normalize() error {
	m.Username = strings.TrimSpace(m.Username)
	m.Password = strings.TrimSpace(m.Password)
	return nil
}

// LoginRequest authenticates with a password and joins Room
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Room     string `json:"room"`
}

func (*LoginRequest) Type() string           { return TypeLogin }
func (*LoginRequest) RequiresIdentity() bool { return false }

func (m *LoginRequest) normalize() error {
	m.Username = strings.TrimSpace(m.Username)
	m.Room = roomOrDefault(m.Room)
	return nil
}

// JoinRequest binds a username without a password check.
// It is not an authentication boundary.
type JoinRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

func (*JoinRequest) Type() string           { return TypeJoin }
func (*JoinRequest) RequiresIdentity() bool { return false }

func (m *JoinRequest) normalize() error {
	m.Username = strings.TrimSpace(m.Username)
	if m.Username == "" {
		return missing("username")
	}
	m.Room = roomOrDefault(m.Room)
	return nil
}

// ChatMessage is a public message to the sender's current room
type ChatMessage struct {
	Message string `json:"message"`
}

func (*ChatMessage) Type() string           { return TypeMessage }
func (*ChatMessage) RequiresIdentity() bool { return true }

func (m *ChatMessage) normalize() error {
	m.Message = strings.TrimSpace(m.Message)
	if m.Message == "" {
		return missing("message")
	}
	return nil
}

// PrivateMessageRequest is a direct message to another user
type PrivateMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (*PrivateMessageRequest) Type() string           { return TypePrivateMessage }
func (*PrivateMessageRequest) RequiresIdentity() bool { return true }

func (m *PrivateMessageRequest) normalize() error {
	m.To = strings.TrimSpace(m.To)
	if m.To == "" {
		return missing("to")
	}
	m.Message = strings.TrimSpace(m.Message)
	if m.Message == "" {
		return missing("message")
	}
	return nil
}

// PrivateHistoryRequest fetches the conversation with WithUser
type PrivateHistoryRequest struct {
	WithUser string `json:"with_user"`
}

func (*PrivateHistoryRequest) Type() string           { return TypeGetPrivateHistory }
func (*PrivateHistoryRequest) RequiresIdentity() bool { return true }

func (m *PrivateHistoryRequest) normalize() error {
	m.WithUser = strings.TrimSpace(m.WithUser)
	if m.WithUser == "" {
		return missing("with_user")
	}
	return nil
}

// SwitchRoomRequest moves the connection to Room
type SwitchRoomRequest struct {
	Room string `json:"room"`
}

func (*SwitchRoomRequest) Type() string           { return TypeSwitchRoom }
func (*SwitchRoomRequest) RequiresIdentity() bool { return true }

func (m *SwitchRoomRequest) normalize() error {
	m.Room = strings.TrimSpace(m.Room)
	if m.Room == "" {
		return missing("room")
	}
	return nil
}

// Outbound is implemented by every server frame
type Outbound interface {
	FrameType() string
}

// HistoryEntry is one room message in a history reply
type HistoryEntry struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

// PrivateHistoryEntry is one direct message in a private history reply
type PrivateHistoryEntry struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	Time     string `json:"time"`
}

// LoginSuccess answers both login and join
type LoginSuccess struct {
	Type     string         `json:"type"`
	Username string         `json:"username"`
	Role     Role           `json:"role"`
	Room     string         `json:"room"`
	History  []HistoryEntry `json:"history"`
	AllUsers []string       `json:"all_users"`
}

func NewLoginSuccess(username string, role Role, room string, history []HistoryEntry, allUsers []string) *LoginSuccess {
	if history == nil {
		history = []HistoryEntry{}
	}
	if allUsers == nil {
		allUsers = []string{}
	}
	return &LoginSuccess{
		Type:     TypeLoginSuccess,
		Username: username,
		Role:     role,
		Room:     room,
		History:  history,
		AllUsers: allUsers,
	}
}

func (*LoginSuccess) FrameType() string { return TypeLoginSuccess }

type LoginFail struct {
	Type string `json:"type"`
}

func NewLoginFail() *LoginFail { return &LoginFail{Type: TypeLoginFail} }

func (*LoginFail) FrameType() string { return TypeLoginFail }

type RegisterOK struct {
	Type string `json:"type"`
}

func NewRegisterOK() *RegisterOK { return &RegisterOK{Type: TypeRegisterOK} }

func (*RegisterOK) FrameType() string { return TypeRegisterOK }

// ErrorMessage reports a rejected request; the connection stays open
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: message}
}

func (*ErrorMessage) FrameType() string { return TypeError }

// MessageEvent is a public message fanned out to a room
type MessageEvent struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

func NewMessageEvent(sender, message, at string) *MessageEvent {
	return &MessageEvent{Type: TypeMessage, Sender: sender, Message: message, Time: at}
}

func (*MessageEvent) FrameType() string { return TypeMessage }

// PrivateMessageEvent is delivered to the receiver and echoed to the sender
// with IsMe set
type PrivateMessageEvent struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	Time     string `json:"time"`
	IsMe     bool   `json:"is_me,omitempty"`
}

func NewPrivateMessageEvent(sender, receiver, message, at string) *PrivateMessageEvent {
	return &PrivateMessageEvent{
		Type:     TypePrivateMessage,
		Sender:   sender,
		Receiver: receiver,
		Message:  message,
		Time:     at,
	}
}

func (*PrivateMessageEvent) FrameType() string { return TypePrivateMessage }

// UserList is the presence snapshot of one room
type UserList struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

func NewUserList(users []string) *UserList {
	if users == nil {
		users = []string{}
	}
	return &UserList{Type: TypeUserList, Users: users, Count: len(users)}
}

func (*UserList) FrameType() string { return TypeUserList }

// RoomHistory answers switch_room
type RoomHistory struct {
	Type    string         `json:"type"`
	Room    string         `json:"room"`
	History []HistoryEntry `json:"history"`
}

func NewRoomHistory(room string, history []HistoryEntry) *RoomHistory {
	if history == nil {
		history = []HistoryEntry{}
	}
	return &RoomHistory{Type: TypeHistory, Room: room, History: history}
}

func (*RoomHistory) FrameType() string { return TypeHistory }

type PrivateHistory struct {
	Type    string                `json:"type"`
	History []PrivateHistoryEntry `json:"history"`
}

func NewPrivateHistory(history []PrivateHistoryEntry) *PrivateHistory {
	if history == nil {
		history = []PrivateHistoryEntry{}
	}
	return &PrivateHistory{Type: TypePrivateHistory, History: history}
}

func (*PrivateHistory) FrameType() string { return TypePrivateHistory }
