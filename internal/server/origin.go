// Package server decides which browser origins may open a relay connection.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the upgrader's CheckOrigin rule. An allow-list with no
// usable entries admits every request, with or without an Origin header.
// Once at least one entry is configured, only listed origins are admitted,
// even if every entry later turns out to be invalid.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *slog.Logger
}

func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	if logger == nil {
		logger = slog.Default()
	}

	p := &originPolicy{allowed: make(map[string]struct{}), logger: logger}
	configured := false
	for _, entry := range origins {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		configured = true
		p.add(entry)
	}
	if !configured {
		p.allowAll = true
	}
	return p
}

func (p *originPolicy) add(entry string) {
	if entry == "*" {
		p.allowAll = true
		return
	}
	key, ok := normalizeOrigin(entry)
	if !ok {
		p.logger.Warn("ignoring invalid origin in configuration", "origin", entry)
		return
	}
	p.allowed[key] = struct{}{}
}

// normalizeOrigin reduces origin to its lower-cased scheme://host[:port]
// form; paths and queries do not take part in the comparison.
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// check is the upgrader's CheckOrigin hook.
func (p *originPolicy) check(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	origin := r.Header.Get("Origin")
	if key, ok := normalizeOrigin(origin); ok {
		if _, found := p.allowed[key]; found {
			return true
		}
	}

	p.logger.Warn("blocked WebSocket connection from disallowed origin",
		"origin", origin, "addr", r.RemoteAddr)
	return false
}
