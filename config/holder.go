package config

import (
	"strings"
	"sync"
)

// Holder is the live, concurrency-safe view of the config. Components read
// the collector URL and key through it on every use so runtime updates apply
// without a restart.
type Holder struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewHolder wraps cfg. An empty path keeps updates in memory only.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	if cfg != nil {
		h.cfg = *cfg
	}
	return h
}

// Get returns a copy of the current config.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// ServerURL returns the collector base URL.
func (h *Holder) ServerURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.ServerURL
}

// ServerKey returns the raw collector credential.
func (h *Holder) ServerKey() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.ServerKey
}

// DeviceID returns the stable device identifier.
func (h *Holder) DeviceID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.DeviceID
}

// SetServerURL replaces the collector base URL and persists it.
func (h *Holder) SetServerURL(serverURL string) error {
	_, err := h.Update(func(c *Config) { c.ServerURL = serverURL })
	return err
}

// Update applies fn to a copy, validates it, persists it and then swaps it in.
// On error the live config is unchanged.
func (h *Holder) Update(fn func(*Config)) (Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.cfg
	fn(&next)
	next.ServerURL = strings.TrimSpace(next.ServerURL)
	next.ServerKey = strings.TrimSpace(next.ServerKey)
	if err := next.Validate(); err != nil {
		return h.cfg, err
	}
	if h.path != "" {
		if err := Save(h.path, &next); err != nil {
			return h.cfg, err
		}
	}
	h.cfg = next
	return next, nil
}
