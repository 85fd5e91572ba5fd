package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
)

func newTestLimiter(t *testing.T, caps config.RateLimitConfig) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, caps), mr
}

func smsCaps(perMinute, perHour, perDay int) config.RateLimitConfig {
	return config.RateLimitConfig{
		SMS: config.ChannelCaps{PerMinute: perMinute, PerHour: perHour, PerDay: perDay},
	}
}

func TestAcquireUpToCap(t *testing.T) {
	l, _ := newTestLimiter(t, smsCaps(3, 100, 1000))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, wait, err := l.Acquire(ctx, domain.ChannelSMS)
		require.NoError(t, err)
		require.NotNil(t, p, "permit %d should be granted", i+1)
		assert.Zero(t, wait)
	}

	p, wait, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	assert.Nil(t, p, "cap exhausted")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute, "minute window frees at the next boundary")
}

func TestDeniedAcquireDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(t, smsCaps(1, 1, 1000))
	ctx := context.Background()

	p, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Repeated denials must not burn hour or day budget.
	for i := 0; i < 5; i++ {
		p, _, err := l.Acquire(ctx, domain.ChannelSMS)
		require.NoError(t, err)
		assert.Nil(t, p)
	}

	usage, err := l.Usage(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage["hour_current"])
	assert.Equal(t, int64(1), usage["day_current"])
}

func TestWaitCoversLargestExhaustedWindow(t *testing.T) {
	l, _ := newTestLimiter(t, smsCaps(10, 2, 1000))
	ctx := context.Background()
	l.now = func() time.Time {
		return time.Date(2026, 9, 1, 10, 30, 15, 0, time.UTC)
	}

	for i := 0; i < 2; i++ {
		p, _, err := l.Acquire(ctx, domain.ChannelSMS)
		require.NoError(t, err)
		require.NotNil(t, p)
	}

	p, wait, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.Nil(t, p)
	// Hour window exhausted at 10:30:15 → free at 11:00:00.
	assert.Equal(t, 29*time.Minute+45*time.Second, wait)
}

func TestDayWindowWait(t *testing.T) {
	l, _ := newTestLimiter(t, smsCaps(10, 100, 1))
	ctx := context.Background()
	l.now = func() time.Time {
		return time.Date(2026, 9, 1, 23, 0, 0, 0, time.UTC)
	}

	p, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, p)

	p, wait, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.Nil(t, p)
	assert.Equal(t, time.Hour, wait, "day window frees at UTC midnight")
}

func TestReleaseCreditsPermitBack(t *testing.T) {
	l, _ := newTestLimiter(t, smsCaps(1, 100, 1000))
	ctx := context.Background()

	p, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, p)

	denied, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.Nil(t, denied)

	require.NoError(t, l.Release(ctx, p))

	granted, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	assert.NotNil(t, granted, "released permit is available again")
}

func TestReleaseAfterWindowRollover(t *testing.T) {
	l, _ := newTestLimiter(t, smsCaps(5, 100, 1000))
	ctx := context.Background()

	base := time.Date(2026, 9, 1, 10, 30, 59, 0, time.UTC)
	l.now = func() time.Time { return base }

	p, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Clock crosses the minute boundary before the release lands.
	l.now = func() time.Time { return base.Add(2 * time.Second) }
	require.NoError(t, l.Release(ctx, p))

	// The credit went to the old bucket, not the current one.
	usage, err := l.Usage(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage["minute_current"])
	assert.Equal(t, int64(0), usage["hour_current"])
}

func TestChannelsAreIndependent(t *testing.T) {
	caps := config.RateLimitConfig{
		SMS:   config.ChannelCaps{PerMinute: 1, PerHour: 10, PerDay: 10},
		Email: config.ChannelCaps{PerMinute: 10, PerHour: 100, PerDay: 100},
	}
	l, _ := newTestLimiter(t, caps)
	ctx := context.Background()

	p, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, p)

	denied, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	assert.Nil(t, denied)

	granted, _, err := l.Acquire(ctx, domain.ChannelEmail)
	require.NoError(t, err)
	assert.NotNil(t, granted, "SMS exhaustion must not block email")
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	l, mr := newTestLimiter(t, smsCaps(5, 100, 1000))
	ctx := context.Background()

	p, _, err := l.Acquire(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, p))
	require.NoError(t, l.Release(ctx, p))

	usage, err := l.Usage(ctx, domain.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage["minute_current"])
	mr.CheckGet(t, p.keys[0], "0")
}
