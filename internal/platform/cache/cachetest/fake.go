// Package cachetest provides an in-process stand-in for redis commands.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Redis implements cache.Commands over a map. Expiry is evaluated against Now.
type Redis struct {
	mu   sync.Mutex
	data map[string]entry
	TTLs map[string]time.Duration
	Err  error
	Now  func() time.Time
}

// New returns an empty fake.
func New() *Redis {
	return &Redis{data: map[string]entry{}, TTLs: map[string]time.Duration{}, Now: time.Now}
}

func (r *Redis) live(key string) (entry, bool) {
	e, ok := r.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !r.Now().Before(e.expiresAt) {
		delete(r.data, key)
		return entry{}, false
	}
	return e, true
}

func (r *Redis) put(key string, value any, ttl time.Duration) {
	e := entry{value: stringify(value)}
	if ttl > 0 {
		e.expiresAt = r.Now().Add(ttl)
	}
	r.data[key] = e
	r.TTLs[key] = ttl
}

// Get returns redis.Nil for missing keys.
func (r *Redis) Get(_ context.Context, key string) *redis.StringCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return redis.NewStringResult("", r.Err)
	}
	e, ok := r.live(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(e.value, nil)
}

func (r *Redis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return redis.NewStatusResult("", r.Err)
	}
	r.put(key, value, expiration)
	return redis.NewStatusResult("OK", nil)
}

func (r *Redis) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return redis.NewBoolResult(false, r.Err)
	}
	if _, ok := r.live(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	r.put(key, value, expiration)
	return redis.NewBoolResult(true, nil)
}

func (r *Redis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return redis.NewIntResult(0, r.Err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := r.live(key); ok {
			delete(r.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (r *Redis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return redis.NewIntResult(0, r.Err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := r.live(key); ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (r *Redis) Ping(context.Context) *redis.StatusCmd {
	if r.Err != nil {
		return redis.NewStatusResult("", r.Err)
	}
	return redis.NewStatusResult("PONG", nil)
}

// Keys lists live keys.
func (r *Redis) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.data))
	for key := range r.data {
		if _, ok := r.live(key); ok {
			out = append(out, key)
		}
	}
	return out
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
