// Package cache holds short-lived shared state, currently the anomaly response
// cooldown marks. Valkey shares marks across replicas; the in-memory provider
// serves single-process and test runs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// Provider is a byte-oriented TTL store. SetNX is the primitive cooldown claims
// rely on: it must be atomic across every caller sharing the backend.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// Pinger is implemented by providers backed by a remote server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks p when it supports it and succeeds otherwise.
func Ping(ctx context.Context, p Provider) error {
	if pinger, ok := p.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}
