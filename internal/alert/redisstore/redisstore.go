// Package redisstore keeps alerts in Redis under prefix+key, written with
// SETNX so an existing alert is never replaced.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"postureguard/internal/alert"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL of zero keeps alerts forever.
	TTL time.Duration
}

type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

type Store struct {
	c      client
	prefix string
	ttl    time.Duration
}

func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redisstore: addr is required")
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newWithClient(c, cfg.Prefix, cfg.TTL), nil
}

func newWithClient(c client, prefix string, ttl time.Duration) *Store {
	return &Store{c: c, prefix: prefix, ttl: ttl}
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Deliver(ctx context.Context, p alert.Payload) error {
	doc, err := p.JSON()
	if err != nil {
		return err
	}
	key := s.prefix + p.Key
	ok, err := s.c.SetNX(ctx, key, doc, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redisstore: setnx %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", alert.ErrDuplicateKey, key)
	}
	return nil
}

func (s *Store) Close() error {
	return s.c.Close()
}
