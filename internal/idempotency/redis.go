package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient builds a client for url (redis://host:port/db) without touching
// the network. The client dials lazily and reconnects on its own.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	return redis.NewClient(opts), nil
}

// Dial builds a client for url and pings it. The client is returned even when
// the ping fails so the caller can keep it and let it reconnect.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	rdb, err := NewClient(url)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return rdb, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
