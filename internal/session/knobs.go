package session

import (
	"encoding/json"
	"strings"
	"sync"
)

// Knobs is a session's reactive key-value state. Components read knobs
// during render and flip them from tools or subscribers; the map is
// persisted in the session snapshot between executions.
type Knobs struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func NewKnobs() *Knobs {
	return &Knobs{values: make(map[string]json.RawMessage)}
}

// Get returns the raw value for a key.
func (k *Knobs) Get(key string) (json.RawMessage, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[key]
	return v, ok
}

// GetBool returns the key decoded as a bool, false when absent or not a
// bool.
func (k *Knobs) GetBool(key string) bool {
	raw, ok := k.Get(key)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// Set stores a value under a key.
func (k *Knobs) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[key] = raw
	return nil
}

// Delete removes a key.
func (k *Knobs) Delete(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.values, key)
}

// DeletePrefix removes every key with the given prefix. Expansion knobs
// (ref:*) are cleared this way at the start of each execution.
func (k *Knobs) DeletePrefix(prefix string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key := range k.values {
		if strings.HasPrefix(key, prefix) {
			delete(k.values, key)
		}
	}
}

// Snapshot returns a copy of the map for persistence.
func (k *Knobs) Snapshot() map[string]json.RawMessage {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(k.values))
	for key, v := range k.values {
		out[key] = v
	}
	return out
}

// Replace swaps in a restored map, e.g. after loading a snapshot.
func (k *Knobs) Replace(values map[string]json.RawMessage) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	k.values = values
}
