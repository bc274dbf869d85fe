package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// frozenStore returns a store whose clock only moves when the test says so.
func frozenStore(cfg config.SessionConfig) (*Store, *time.Time) {
	s := NewStore(cfg, zap.NewNop())
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }
	return s, &current
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := NewStore(config.SessionConfig{}, zap.NewNop())

	payload := []byte("PK\x03\x04 trace archive bytes")
	h, err := s.Put(payload)
	require.NoError(t, err)
	require.NotEmpty(t, h)

	_, err = uuid.Parse(string(h))
	assert.NoError(t, err, "handles should be UUIDs")

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, s.Len())
}

func TestPut_RejectsEmptyTrace(t *testing.T) {
	s := NewStore(config.SessionConfig{}, zap.NewNop())

	_, err := s.Put(nil)
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestGet_UnknownHandle(t *testing.T) {
	s := NewStore(config.SessionConfig{}, zap.NewNop())

	_, err := s.Get("no-such-handle")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "no-such-handle")
}

func TestGet_ExpiredEntryIsRemovedOnRead(t *testing.T) {
	s, clock := frozenStore(config.SessionConfig{TTL: time.Minute})

	h, err := s.Put([]byte("payload"))
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Minute)

	_, err = s.Get(h)
	require.ErrorIs(t, err, ErrExpired)
	assert.Contains(t, err.Error(), string(h))

	// The expired entry was deleted on read, so a second fetch reports it unknown.
	_, err = s.Get(h)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestSweep_DropsOnlyExpiredEntries(t *testing.T) {
	s, clock := frozenStore(config.SessionConfig{TTL: time.Minute})

	_, err := s.Put([]byte("first"))
	require.NoError(t, err)
	_, err = s.Put([]byte("second"))
	require.NoError(t, err)

	*clock = clock.Add(30 * time.Second)
	fresh, err := s.Put([]byte("third"))
	require.NoError(t, err)

	// First two are 75s old and past their minute, the third is only 45s old.
	*clock = clock.Add(45 * time.Second)

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 1, s.Len())

	got, err := s.Get(fresh)
	require.NoError(t, err)
	assert.Equal(t, []byte("third"), got)

	assert.Equal(t, 0, s.Sweep())
}

func TestPut_FullStoreEvictsClosestToExpiry(t *testing.T) {
	s, clock := frozenStore(config.SessionConfig{TTL: 10 * time.Minute, MaxEntries: 2})

	oldest, err := s.Put([]byte("oldest"))
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	kept, err := s.Put([]byte("kept"))
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	newest, err := s.Put([]byte("newest"))
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())

	_, err = s.Get(oldest)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, h := range []Handle{kept, newest} {
		_, err := s.Get(h)
		assert.NoError(t, err)
	}
}

func TestRun_SweepsOnInterval(t *testing.T) {
	s := NewStore(config.SessionConfig{
		TTL:           time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		MaxEntries:    4,
	}, zap.NewNop())

	_, err := s.Put([]byte("short lived"))
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 5*time.Millisecond,
		"background sweeper should remove the expired entry")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
