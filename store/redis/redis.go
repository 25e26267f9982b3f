// Package redis provides a store.Backend on top of go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IvanBrykalov/quorumcache/store"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, so several replicas can share one server.
	Prefix string
}

// Store keeps values as plain Redis strings under Prefix+key.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects and verifies the server with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Store{client: client, prefix: cfg.Prefix}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Scan walks keys matching prefix with SCAN (non-blocking for the server).
func (s *Store) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		v, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(full[len(s.prefix):], v); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }

var (
	_ store.Backend = (*Store)(nil)
	_ store.Scanner = (*Store)(nil)
)
