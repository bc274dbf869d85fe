// Package session holds uploaded trace archives in memory for a short
// window so the HTTP surface can serve them back to the trace viewer.
// Entries expire after a TTL and the store never touches disk.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/internal/config"
)

var (
	// ErrNotFound means the handle was never issued or has already been swept.
	ErrNotFound = errors.New("session not found")
	// ErrExpired means the handle was valid but its TTL has lapsed.
	ErrExpired = errors.New("session expired")
)

// Defaults applied when the config carries zero values.
const (
	defaultTTL           = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
	defaultMaxEntries    = 64
)

// Handle identifies a stored trace archive.
type Handle string

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Store is a mutex guarded in-memory map of trace archives keyed by handle.
type Store struct {
	cfg    config.SessionConfig
	logger *zap.Logger

	mu      sync.Mutex
	entries map[Handle]entry

	// now is swapped out by tests to drive expiry deterministically.
	now func() time.Time
}

// NewStore builds a session store, filling in defaults for any zero config values.
func NewStore(cfg config.SessionConfig, logger *zap.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		logger:  logger.Named("session"),
		entries: make(map[Handle]entry),
		now:     time.Now,
	}
}

// Put stores a trace archive and returns the handle clients use to fetch it back.
// When the store is full the entry closest to expiry makes room.
func (s *Store) Put(trace []byte) (Handle, error) {
	if len(trace) == 0 {
		return "", fmt.Errorf("refusing to store an empty trace")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.entries) >= s.cfg.MaxEntries {
		s.evictOldestLocked()
	}

	h := Handle(uuid.NewString())
	s.entries[h] = entry{
		data:      trace,
		expiresAt: s.now().Add(s.cfg.TTL),
	}

	s.logger.Debug("Trace session stored.",
		zap.String("handle", string(h)),
		zap.Int("bytes", len(trace)),
		zap.Int("entries", len(s.entries)))

	return h, nil
}

// Get returns the archive for a handle. Expired entries are removed on
// read and reported as ErrExpired; unknown handles as ErrNotFound.
func (s *Store) Get(handle Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[handle]
	if !ok {
		return nil, fmt.Errorf("handle %q: %w", handle, ErrNotFound)
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, handle)
		return nil, fmt.Errorf("handle %q: %w", handle, ErrExpired)
	}
	return e.data, nil
}

// Len reports how many entries are currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now()
	removed := 0
	for h, e := range s.entries {
		if cutoff.After(e.expiresAt) {
			delete(s.entries, h)
			removed++
		}
	}
	return removed
}

// Run sweeps the store on the configured interval until the context ends.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("Expired trace sessions swept.", zap.Int("removed", removed))
			}
		}
	}
}

// evictOldestLocked removes the entry with the nearest expiry. Callers hold the lock.
func (s *Store) evictOldestLocked() {
	var (
		oldest   Handle
		oldestAt time.Time
		found    bool
	)
	for h, e := range s.entries {
		if !found || e.expiresAt.Before(oldestAt) {
			oldest = h
			oldestAt = e.expiresAt
			found = true
		}
	}
	if found {
		delete(s.entries, oldest)
		s.logger.Debug("Store full, evicting oldest trace session.", zap.String("handle", string(oldest)))
	}
}
