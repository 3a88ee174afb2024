package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, time.Minute, zap.NewNop()), mr
}

func lockers(t *testing.T) map[string]locker {
	r, _ := newRedisLocker(t)
	return map[string]locker{"local": NewLocal(), "redis": r}
}

func TestWithLockBusy(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := l.WithLock(ctx, "earning:schedule:1", func(ctx context.Context) error {
				inner := l.WithLock(ctx, "earning:schedule:1", func(context.Context) error {
					t.Fatal("inner section must not run")
					return nil
				})
				require.ErrorIs(t, inner, ErrLockBusy)

				// other keys are independent
				return l.WithLock(ctx, "earning:schedule:2", func(context.Context) error { return nil })
			})
			require.NoError(t, err)

			// released after the section
			ran := false
			require.NoError(t, l.WithLock(ctx, "earning:schedule:1", func(context.Context) error {
				ran = true
				return nil
			}))
			require.True(t, ran)
		})
	}
}

func TestWithLockReturnsSectionError(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("boom")
			err := l.WithLock(context.Background(), "k", func(context.Context) error { return boom })
			require.ErrorIs(t, err, boom)
			require.NoError(t, l.WithLock(context.Background(), "k", func(context.Context) error { return nil }))
		})
	}
}

func TestWithLockMutualExclusion(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, overlap, entered, busy atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					err := l.WithLock(context.Background(), "member:42", func(context.Context) error {
						if inside.Add(1) != 1 {
							overlap.Add(1)
						}
						entered.Add(1)
						time.Sleep(20 * time.Millisecond)
						inside.Add(-1)
						return nil
					})
					if errors.Is(err, ErrLockBusy) {
						busy.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()
			require.Zero(t, overlap.Load())
			require.GreaterOrEqual(t, entered.Load(), int32(1))
			require.Equal(t, int32(8), entered.Load()+busy.Load())
		})
	}
}

func TestRedisLockKeyExpires(t *testing.T) {
	l, mr := newRedisLocker(t)
	err := l.WithLock(context.Background(), "refund:p-1", func(context.Context) error {
		require.True(t, mr.Exists("lock:refund:p-1"))
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists("lock:refund:p-1"))
}
