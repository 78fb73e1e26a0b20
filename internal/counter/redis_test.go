package counter

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/quotagate/internal/window"
)

func TestRedisStoreRecordFields(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	req := newReq(t, "user_1", "summaryGenerate", window.Short, time.Now(), 2)

	_, err := s.IncrementAndCheck(context.Background(), req)
	require.NoError(t, err)

	key := "quota:" + req.Key.String()
	assert.Equal(t, "1", mr.HGet(key, "count"))
	assert.Equal(t, "2", mr.HGet(key, "limit"))
	assert.Equal(t, "free", mr.HGet(key, "plan"))
	assert.Equal(t, "summaryGenerate", mr.HGet(key, "action"))
	assert.Equal(t, strconv.FormatInt(req.ExpiresAt().UnixMilli(), 10), mr.HGet(key, "expires_at"))

	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute+3*time.Minute)
}

func TestRedisStoreLimitRefreshedOnEveryCall(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	ctx := context.Background()
	req := newReq(t, "user_1", "summaryGenerate", window.Short, time.Now(), 2)

	_, err := s.IncrementAndCheck(ctx, req)
	require.NoError(t, err)
	req.Limit = 7
	n, err := s.IncrementAndCheck(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, int64(2), n)
	assert.Equal(t, "7", mr.HGet("quota:"+req.Key.String(), "limit"))
}

func TestRedisStoreRecordExpires(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	ctx := context.Background()
	req := newReq(t, "user_1", "summaryGenerate", window.Short, time.Now(), 2)

	_, err := s.IncrementAndCheck(ctx, req)
	require.NoError(t, err)
	mr.FastForward(5 * time.Minute)
	assert.False(t, mr.Exists("quota:"+req.Key.String()))

	n, err := s.IncrementAndCheck(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStoreBackendDown(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.IncrementAndCheck(ctx, newReq(t, "user_1", "summaryGenerate", window.Short, time.Now(), 2))
	require.Error(t, err)
	assert.NotErrorIs(t, err, redis.Nil)
}
