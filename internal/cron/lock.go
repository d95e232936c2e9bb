package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/settlement-ledger/pkg/redis"
)

const (
	defaultLockTTL   = 4 * time.Minute
	sweepMarkerTTL   = 48 * time.Hour
	sweepMarkerStamp = time.RFC3339
)

// ErrLeaseLost means another worker took the lock mid-cycle.
var ErrLeaseLost = errors.New("cron lease lost")

// Lock is the cluster-wide lease a cycle runs under.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	// Extend refreshes the lease; it returns ErrLeaseLost once another owner holds it.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// RedisLock is a token-owned lease in Redis. Each Acquire mints a fresh
// token, so a worker that lost its lease can neither extend nor release the
// new holder's.
type RedisLock struct {
	client redis.Locker
	name   string
	ttl    time.Duration
	token  string
}

func NewRedisLock(client redis.Locker, name string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if name == "" {
		return nil, errors.New("lock name is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, name: name, ttl: ttl}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.AcquireLock(ctx, l.name, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.name, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

func (l *RedisLock) Extend(ctx context.Context) error {
	if l.token == "" {
		return ErrLeaseLost
	}
	ok, err := l.client.ExtendLock(ctx, l.name, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.name, err)
	}
	if !ok {
		l.token = ""
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := l.client.ReleaseLock(ctx, l.name, token); err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	return nil
}

// SweepMarker records the last finished full reconcile sweep next to the
// cron lease, so restarts and other workers see it.
type SweepMarker interface {
	LastSweep(ctx context.Context) (time.Time, error)
	MarkSweep(ctx context.Context, at time.Time) error
}

type markerStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type RedisSweepMarker struct {
	store markerStore
	key   string
}

func NewRedisSweepMarker(store markerStore, key string) (*RedisSweepMarker, error) {
	if store == nil {
		return nil, errors.New("redis client required for sweep marker")
	}
	if key == "" {
		return nil, errors.New("sweep marker key is required")
	}
	return &RedisSweepMarker{store: store, key: key}, nil
}

// LastSweep returns the zero time when no sweep was recorded.
func (m *RedisSweepMarker) LastSweep(ctx context.Context) (time.Time, error) {
	raw, err := m.store.Get(ctx, m.key)
	if redis.IsNil(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", m.key, err)
	}
	at, err := time.Parse(sweepMarkerStamp, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", m.key, err)
	}
	return at, nil
}

func (m *RedisSweepMarker) MarkSweep(ctx context.Context, at time.Time) error {
	if err := m.store.Set(ctx, m.key, at.UTC().Format(sweepMarkerStamp), sweepMarkerTTL); err != nil {
		return fmt.Errorf("write %s: %w", m.key, err)
	}
	return nil
}
