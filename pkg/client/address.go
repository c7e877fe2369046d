package client

import (
	"net"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	defaultPort = "8765"
	defaultPath = "/ws"
)

// ParseServerAddress turns "host", "host:port", "http(s)://..." or
// "ws(s)://..." into the WebSocket URL of the chat endpoint
func ParseServerAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("server address is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "ws://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", errors.Wrapf(err, "invalid server address %q", raw)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.Newf("server address %q has no host", raw)
	}
	if u.Port() == "" && u.Scheme == "ws" {
		u.Host = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultPath
	}
	return u.String(), nil
}
