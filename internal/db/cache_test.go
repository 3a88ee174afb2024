package db

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*CacheService, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCacheService(client), mr
}

func TestCacheBalance(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	_, err := cache.GetBalance(ctx, 7)
	require.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, cache.SetBalance(ctx, 7, 1500))
	got, err := cache.GetBalance(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1500), got)
	require.Equal(t, balanceTTL, mr.TTL("mileage:balance:7"))

	require.NoError(t, cache.InvalidateBalance(ctx, 7))
	_, err = cache.GetBalance(ctx, 7)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCacheBalanceExpires(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetBalance(ctx, 3, 10))
	mr.FastForward(balanceTTL)
	_, err := cache.GetBalance(ctx, 3)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCacheCorruptValue(t *testing.T) {
	cache, mr := newCache(t)
	require.NoError(t, mr.Set("mileage:balance:9", "not-a-number"))

	_, err := cache.GetBalance(context.Background(), 9)
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrNotFound)
}
