// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package persistence

import (
	"context"
	"fmt"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/internal/config"
)

// Store is a closable setpoint store
type Store interface {
	climate.SetpointStore
	Close() error
}

// NopStore remembers nothing
type NopStore struct{}

// Load never finds a setpoint
func (NopStore) Load(context.Context, string) (float64, bool, error) { return 0, false, nil }

// Save discards the setpoint
func (NopStore) Save(context.Context, string, float64) error { return nil }

// Close is a no-op
func (NopStore) Close() error { return nil }

// Open builds the configured backend
func Open(ctx context.Context, cfg config.PersistenceConfig) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.File), nil
	case "redis":
		client, err := DialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Redis.Key), nil
	case "none", "":
		return NopStore{}, nil
	}
	return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
}
