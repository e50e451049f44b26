package api

import (
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

// originChecker validates the Origin header of websocket upgrade requests
// against a configured allow-list. "*" allows every origin; requests without
// an Origin header (non-browser clients) are always allowed.
type originChecker struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *log.Logger
}

func newOriginChecker(origins []string, logger *log.Logger) *originChecker {
	c := &originChecker{allowed: make(map[string]struct{}), logger: logger}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			c.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warnf("ignoring invalid origin in configuration: %q", origin)
			continue
		}
		c.allowed[normalized] = struct{}{}
	}
	return c
}

func (c *originChecker) check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return true
	}
	if c.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		c.logger.Warnf("blocked websocket connection with malformed origin: %q", originHeader)
		return false
	}
	if _, exists := c.allowed[normalized]; !exists {
		c.logger.Warnf("blocked websocket connection from disallowed origin: %q", originHeader)
		return false
	}
	return true
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
