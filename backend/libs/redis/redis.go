package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options describes how to reach the Redis server. Zero timeouts fall back to defaults.
type Options struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration // must exceed the longest blocking command (BRPOP)
	WriteTimeout time.Duration
}

func (o Options) client() (*redis.Options, error) {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	return &redis.Options{
		Addr:         addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  orDefault(o.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefault(o.ReadTimeout, 3*time.Second),
		WriteTimeout: orDefault(o.WriteTimeout, 3*time.Second),
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// NewRedisClient builds a go-redis client and checks it with PING before returning.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	redisOpts, err := opts.client()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, redisOpts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
