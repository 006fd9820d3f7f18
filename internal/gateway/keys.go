package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxKeyBytes bounds the wire form of a session key.
const MaxKeyBytes = 256

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+(:[a-zA-Z0-9_.-]+)?$`)

// Key is a parsed session address: the app owning the session and the
// key local to that app.
type Key struct {
	App      string
	LocalKey string
}

// Canonical returns the fully qualified "app:localKey" form, which is
// also the durable session id.
func (k Key) Canonical() string {
	return k.App + ":" + k.LocalKey
}

// ParseKey validates a wire session key and resolves the app. A key
// without the "app:" prefix routes to defaultApp.
func ParseKey(raw, defaultApp string) (Key, error) {
	if raw == "" {
		return Key{}, fmt.Errorf("empty session key")
	}
	if len(raw) > MaxKeyBytes {
		return Key{}, fmt.Errorf("session key exceeds %d bytes", MaxKeyBytes)
	}
	if !keyPattern.MatchString(raw) {
		return Key{}, fmt.Errorf("invalid session key %q", raw)
	}
	if app, local, ok := strings.Cut(raw, ":"); ok {
		return Key{App: app, LocalKey: local}, nil
	}
	if defaultApp == "" {
		return Key{}, fmt.Errorf("session key %q has no app prefix and no default app is configured", raw)
	}
	return Key{App: defaultApp, LocalKey: raw}, nil
}
