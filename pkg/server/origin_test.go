package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "chat.local:8765", "", true},
		{"same origin", nil, "chat.local:8765", "http://chat.local:8765", true},
		{"same origin case insensitive", nil, "chat.local:8765", "http://CHAT.local:8765", true},
		{"cross origin without list", nil, "chat.local:8765", "http://evil.example", false},
		{"listed origin", []string{"https://chat.example.com"}, "internal:8765", "https://chat.example.com", true},
		{"listed origin trailing path ignored", []string{"https://chat.example.com/app"}, "internal:8765", "https://chat.example.com", true},
		{"unlisted origin", []string{"https://chat.example.com"}, "chat.example.com", "https://other.example.com", false},
		{"list disables same origin", []string{"https://chat.example.com"}, "internal:8765", "http://internal:8765", false},
		{"wildcard", []string{"*"}, "chat.local", "http://anything.example", true},
		{"malformed origin", nil, "chat.local", "not a url", false},
		{"invalid entries skipped", []string{"  ", "nonsense", "https://ok.example"}, "x", "https://ok.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, zap.NewNop())
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.check(r))
		})
	}
}

func TestNormalizeOrigin(t *testing.T) {
	got, ok := normalizeOrigin("HTTPS://Chat.Example.COM")
	assert.True(t, ok)
	assert.Equal(t, "https://chat.example.com", got)

	_, ok = normalizeOrigin("chat.example.com")
	assert.False(t, ok)
}
