package protocol

import (
	"bytes"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

const (
	// MaxFrameSize is the largest inbound frame the server will read (64 KB)
	MaxFrameSize = 64 * 1024

	// DefaultRoom is used when login/join omit a room
	DefaultRoom = "general"

	// TimeLayout is the hour:minute format used for every timestamp on the wire
	TimeLayout = "15:04"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrMissingField   = errors.New("missing required field")
)

// envelope is decoded first to select the variant
type envelope struct {
	Type *string `json:"type"`
}

// Decode parses a single inbound frame into its typed variant.
//
// Frames that are not a JSON object, lack a string "type", carry an unknown
// type, or miss a field their variant requires return an error wrapping one of
// ErrMalformedFrame, ErrUnknownType or ErrMissingField. Callers drop such
// frames without replying.
func Decode(data []byte) (Inbound, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Wrap(ErrMalformedFrame, "frame is not a JSON object")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "decode envelope: %v", err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "frame has no type")
	}

	msg, ok := newInbound(*env.Type)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "type %q", *env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "decode %s: %v", *env.Type, err)
	}
	if err := msg.normalize(); err != nil {
		return nil, errors.Wrapf(err, "validate %s", *env.Type)
	}
	return msg, nil
}

// Encode serializes an outbound frame
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", msg.FrameType())
	}
	return data, nil
}

// EncodeRequest serializes an inbound frame with its "type" tag, for clients
func EncodeRequest(msg Inbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", msg.Type())
	}
	tag, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", msg.Type())
	}

	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// FormatTime renders t as local hour:minute
func FormatTime(t time.Time) string {
	return t.Local().Format(TimeLayout)
}

func missing(field string) error {
	return errors.Wrapf(ErrMissingField, "%q", field)
}

func roomOrDefault(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return DefaultRoom
	}
	return room
}
