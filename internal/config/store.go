package config

import "sync"

// Store holds the live config. Readers take a snapshot per request so a
// reload never changes the pipeline of an in-flight response.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore creates a store holding cfg.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Current returns the config snapshot.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Swap replaces the config and returns the previous one.
func (s *Store) Swap(cfg *Config) *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	return old
}
