// control/store.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with reload listeners.

package control

import "sync"

// ConfigStore holds the current configuration. Snapshots are shared and must
// not be mutated.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	version   uint64
	listeners []func(*Config)
}

// NewConfigStore starts from cfg, or the defaults when cfg is nil.
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ConfigStore{config: cfg}
}

// Current returns the latest snapshot.
func (cs *ConfigStore) Current() *Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Version counts successful updates.
func (cs *ConfigStore) Version() uint64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.version
}

// SetConfig replaces the snapshot and calls every listener with it, in
// registration order, on the calling goroutine.
func (cs *ConfigStore) SetConfig(cfg *Config) {
	cs.mu.Lock()
	cs.config = cfg
	cs.version++
	listeners := cs.listeners
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// OnReload registers a listener for later updates.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners[:len(cs.listeners):len(cs.listeners)], fn)
}
