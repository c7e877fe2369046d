package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy decides which browser origins may open a WebSocket
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *zap.Logger
}

func newOriginPolicy(origins []string, logger *zap.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}), logger: logger}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// check is the websocket.Upgrader CheckOrigin hook. Requests without an
// Origin header come from non-browser clients and are accepted. With no
// configured origins only same-origin requests pass.
func (p *originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}

	origin, ok := normalizeOrigin(header)
	if !ok {
		p.logger.Info("blocked websocket with malformed origin", zap.String("origin", header))
		return false
	}

	if len(p.allowed) == 0 {
		parsed, _ := url.Parse(origin)
		if strings.EqualFold(parsed.Host, r.Host) {
			return true
		}
	} else if _, exists := p.allowed[origin]; exists {
		return true
	}

	p.logger.Info("blocked websocket from disallowed origin", zap.String("origin", header))
	return false
}
