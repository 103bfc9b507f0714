package querygate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counting(calls *atomic.Int64, payload any) HydrateFunc {
	return func(ctx context.Context) (any, error) {
		calls.Add(1)
		return payload, nil
	}
}

func roleCaches(t *testing.T, ttl time.Duration) map[string]RoleDataCache {
	rc, err := NewRistrettoRoleCache(ttl, 0, 0, 0)
	require.NoError(t, err)
	t.Cleanup(rc.Close)
	return map[string]RoleDataCache{
		"memory":    NewMemoryRoleCache(ttl),
		"ristretto": rc,
	}
}

func TestRoleCacheLazyExpiry(t *testing.T) {
	for name, c := range roleCaches(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var calls atomic.Int64
			now := time.Now()

			v, err := c.GetOrHydrate(ctx, "k", now, counting(&calls, "v1"))
			require.NoError(t, err)
			assert.Equal(t, "v1", v)

			v, err = c.GetOrHydrate(ctx, "k", now.Add(59*time.Second), counting(&calls, "v2"))
			require.NoError(t, err)
			assert.Equal(t, "v1", v)
			assert.Equal(t, int64(1), calls.Load())

			v, err = c.GetOrHydrate(ctx, "k", now.Add(time.Minute), counting(&calls, "v2"))
			require.NoError(t, err)
			assert.Equal(t, "v2", v)
			assert.Equal(t, int64(2), calls.Load())
		})
	}
}

func TestRoleCacheResetAndInvalidate(t *testing.T) {
	for name, c := range roleCaches(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var calls atomic.Int64
			now := time.Now()
			_, _ = c.GetOrHydrate(ctx, "a", now, counting(&calls, 1))
			_, _ = c.GetOrHydrate(ctx, "b", now, counting(&calls, 2))

			c.Invalidate("a")
			_, _ = c.GetOrHydrate(ctx, "a", now, counting(&calls, 1))
			_, _ = c.GetOrHydrate(ctx, "b", now, counting(&calls, 2))
			assert.Equal(t, int64(3), calls.Load())

			c.Reset()
			_, _ = c.GetOrHydrate(ctx, "a", now, counting(&calls, 1))
			_, _ = c.GetOrHydrate(ctx, "b", now, counting(&calls, 2))
			assert.Equal(t, int64(5), calls.Load())
		})
	}
}

func TestRoleCacheErrorsNotStored(t *testing.T) {
	for name, c := range roleCaches(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")
			_, err := c.GetOrHydrate(ctx, "k", time.Now(), func(context.Context) (any, error) { return nil, boom })
			require.ErrorIs(t, err, boom)

			var calls atomic.Int64
			v, err := c.GetOrHydrate(ctx, "k", time.Now(), counting(&calls, "ok"))
			require.NoError(t, err)
			assert.Equal(t, "ok", v)
			assert.Equal(t, int64(1), calls.Load())
		})
	}
}

func TestMemoryRoleCacheCollapsesConcurrentMisses(t *testing.T) {
	c := NewMemoryRoleCache(time.Minute)
	now := time.Now()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int64
	hydrate := func(context.Context) (any, error) {
		calls.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return "grants", nil
	}

	var wg sync.WaitGroup
	results := make(chan any, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrHydrate(context.Background(), "k", now, hydrate)
			if err == nil {
				results <- v
			}
		}()
	}
	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int64(1), calls.Load())
	n := 0
	for v := range results {
		assert.Equal(t, "grants", v)
		n++
	}
	assert.Equal(t, 8, n)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryRoleCacheDefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultRoleCacheTTL, NewMemoryRoleCache(0).TTL())
	assert.Equal(t, 5*time.Minute, DefaultRoleCacheTTL)
}

func TestRoleCacheDropsHydrationStartedBeforeReset(t *testing.T) {
	drops := map[string]func(RoleDataCache){
		"reset":      func(c RoleDataCache) { c.Reset() },
		"invalidate": func(c RoleDataCache) { c.Invalidate("k") },
	}
	for name, c := range roleCaches(t, time.Minute) {
		for how, drop := range drops {
			t.Run(name+"/"+how, func(t *testing.T) {
				c.Reset()
				ctx := context.Background()
				now := time.Now()
				entered := make(chan struct{})
				release := make(chan struct{})
				done := make(chan any, 1)
				go func() {
					v, _ := c.GetOrHydrate(ctx, "k", now, func(context.Context) (any, error) {
						close(entered)
						<-release
						return "old-grants", nil
					})
					done <- v
				}()

				<-entered
				drop(c)
				close(release)
				assert.Equal(t, "old-grants", <-done)

				var calls atomic.Int64
				v, err := c.GetOrHydrate(ctx, "k", now, counting(&calls, "new-grants"))
				require.NoError(t, err)
				assert.Equal(t, "new-grants", v)
				assert.Equal(t, int64(1), calls.Load())
			})
		}
	}
}

func TestRoleCacheCallerAfterResetSkipsInflightHydration(t *testing.T) {
	c := NewMemoryRoleCache(time.Minute)
	ctx := context.Background()
	now := time.Now()
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = c.GetOrHydrate(ctx, "k", now, func(context.Context) (any, error) {
			close(entered)
			<-release
			return "old-grants", nil
		})
	}()
	<-entered
	c.Reset()

	var calls atomic.Int64
	v, err := c.GetOrHydrate(ctx, "k", now, counting(&calls, "new-grants"))
	close(release)
	require.NoError(t, err)
	assert.Equal(t, "new-grants", v)
	assert.Equal(t, int64(1), calls.Load())
}
