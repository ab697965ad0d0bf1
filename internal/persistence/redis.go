// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Thermoquad/cn105ctl/internal/config"
)

// RedisClient is the subset of *redis.Client the store uses
type RedisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisStore keeps setpoints as fields of one redis hash
type RedisStore struct {
	client RedisClient
	key    string
}

// NewRedisStore creates a store on client under key
func NewRedisStore(client RedisClient, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// DialRedis connects to the configured server and checks it answers
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// Load returns the setpoint saved for mode
func (s *RedisStore) Load(ctx context.Context, mode string) (float64, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, strings.ToUpper(mode)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("setpoint %s/%s: %w", s.key, mode, err)
	}
	return v, true, nil
}

// Save stores the setpoint for mode
func (s *RedisStore) Save(ctx context.Context, mode string, value float64) error {
	return s.client.HSet(ctx, s.key, strings.ToUpper(mode), strconv.FormatFloat(value, 'f', -1, 64)).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
