package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrderCache mirrors open orders and recent fills into Redis for read-heavy
// clients. A nil *OrderCache is valid and does nothing.
type OrderCache struct {
	client     *redis.Client
	recentFill int64
	ttl        time.Duration
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewOrderCache connects and pings Redis.
func NewOrderCache(ctx context.Context, opts RedisOptions) (*OrderCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &OrderCache{client: client, recentFill: 100, ttl: 24 * time.Hour}, nil
}

func activeOrdersKey(account string) string { return "account:active_orders:" + account }
func orderKey(id string) string             { return "order:" + id }
func fillsKey(account string) string        { return "account:fills:" + account }

// PutOrder stores the order snapshot and tracks it in the account's active
// set until it is terminal.
func (c *OrderCache) PutOrder(ctx context.Context, account, id string, terminal bool, snapshot any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, orderKey(id), data, c.ttl)
	if terminal {
		pipe.SRem(ctx, activeOrdersKey(account), id)
	} else {
		pipe.SAdd(ctx, activeOrdersKey(account), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ActiveOrderIDs lists the account's open order ids.
func (c *OrderCache) ActiveOrderIDs(ctx context.Context, account string) ([]string, error) {
	if c == nil {
		return nil, nil
	}
	return c.client.SMembers(ctx, activeOrdersKey(account)).Result()
}

// PushFill prepends a fill to the account's bounded recent-fills list.
func (c *OrderCache) PushFill(ctx context.Context, account string, fill any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, fillsKey(account), data)
	pipe.LTrim(ctx, fillsKey(account), 0, c.recentFill-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentFills returns up to limit raw fill documents, newest first.
func (c *OrderCache) RecentFills(ctx context.Context, account string, limit int64) ([]json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	vals, err := c.client.LRange(ctx, fillsKey(account), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

// Close releases the connection.
func (c *OrderCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
