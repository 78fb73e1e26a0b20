package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/quotagate/internal/window"
)

type scriptedStore struct {
	err   error
	calls int
}

func (s *scriptedStore) IncrementAndCheck(ctx context.Context, req Request) (int64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return int64(s.calls), nil
}

func (s *scriptedStore) Name() string { return "scripted" }
func (s *scriptedStore) Close() error { return nil }

func TestGuardedOpensAfterThreshold(t *testing.T) {
	next := &scriptedStore{err: errors.New("connection refused")}
	g := NewGuarded(next, BreakerConfig{FailureThreshold: 3, OpenDuration: 10 * time.Second})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	req := newReq(t, "user_1", "summaryGenerate", window.Short, now, 2)
	for i := 0; i < 3; i++ {
		_, err := g.IncrementAndCheck(context.Background(), req)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, BreakerOpen, g.Stats().State)

	_, err := g.IncrementAndCheck(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, next.calls, "open breaker must not reach the backend")
	assert.Equal(t, 10, g.Stats().RetryAfterSec)
}

func TestGuardedHalfOpenRecovers(t *testing.T) {
	next := &scriptedStore{err: errors.New("timeout")}
	g := NewGuarded(next, BreakerConfig{FailureThreshold: 1, OpenDuration: time.Second})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	req := newReq(t, "user_1", "summaryGenerate", window.Short, now, 2)

	_, err := g.IncrementAndCheck(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, BreakerOpen, g.Stats().State)

	now = now.Add(2 * time.Second)
	next.err = nil
	n, err := g.IncrementAndCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, BreakerClosed, g.Stats().State)
}

func TestGuardedIgnoresCallerCancellation(t *testing.T) {
	next := &scriptedStore{err: context.Canceled}
	g := NewGuarded(next, BreakerConfig{FailureThreshold: 1})
	req := newReq(t, "user_1", "summaryGenerate", window.Short, time.Now(), 2)

	for i := 0; i < 3; i++ {
		_, err := g.IncrementAndCheck(context.Background(), req)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, BreakerClosed, g.Stats().State)
	assert.Equal(t, "scripted", g.Name())
}
