package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	redis "github.com/redis/go-redis/v9"
)

const balanceTTL = 5 * time.Minute

// CacheService keeps member balances in Redis. The ledger stays the source of truth;
// entries are dropped after every committed write.
type CacheService struct {
	client *redis.Client
}

func NewRedisClient(ctx context.Context, addr, user, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Username:    user,
		Password:    password,
		DB:          0,
		MaxRetries:  5,
		DialTimeout: 10 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func NewCacheService(client *redis.Client) *CacheService {
	return &CacheService{client}
}

func balanceKey(memberID int64) string {
	return "mileage:balance:" + strconv.FormatInt(memberID, 10)
}

func (c *CacheService) GetBalance(ctx context.Context, memberID int64) (int64, error) {
	val, err := c.client.Get(ctx, balanceKey(memberID)).Result()
	if err == redis.Nil {
		return 0, model.ErrNotFound
	} else if err != nil {
		return 0, err
	}
	points, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cached balance of member %d: %w", memberID, err)
	}
	return points, nil
}

func (c *CacheService) SetBalance(ctx context.Context, memberID int64, points int64) error {
	return c.client.Set(ctx, balanceKey(memberID), points, balanceTTL).Err()
}

func (c *CacheService) InvalidateBalance(ctx context.Context, memberID int64) error {
	return c.client.Del(ctx, balanceKey(memberID)).Err()
}
