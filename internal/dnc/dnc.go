// Package dnc answers whether a phone number is on the do-not-call list.
//
// The result is resolved once when a call session opens and stored in the
// session's consent state, where the TCPA rule table turns it into a
// TERMINATE verdict.
package dnc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis set holding normalized listed numbers.
const DefaultKey = "ghostvoice:dnc"

// Registry reports do-not-call membership.
type Registry interface {
	Listed(ctx context.Context, number string) (bool, error)
}

// Normalize strips everything but digits. A leading "1" on an 11-digit
// number (NANP country code) is dropped so "+1 (555) 010-9999" and
// "555-010-9999" compare equal.
func Normalize(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) == 11 && s[0] == '1' {
		s = s[1:]
	}
	return s
}

// RedisRegistry keeps the list in a Redis set.
type RedisRegistry struct {
	client redis.UniversalClient
	key    string
}

// NewRedis returns a registry backed by client. An empty key uses
// [DefaultKey].
func NewRedis(client redis.UniversalClient, key string) *RedisRegistry {
	if key == "" {
		key = DefaultKey
	}
	return &RedisRegistry{client: client, key: key}
}

// Dial opens a Redis client for addr.
func Dial(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Listed implements [Registry]. Numbers without digits are never listed.
func (r *RedisRegistry) Listed(ctx context.Context, number string) (bool, error) {
	n := Normalize(number)
	if n == "" {
		return false, nil
	}
	ok, err := r.client.SIsMember(ctx, r.key, n).Result()
	if err != nil {
		return false, fmt.Errorf("dnc: lookup: %w", err)
	}
	return ok, nil
}

// Add lists numbers.
func (r *RedisRegistry) Add(ctx context.Context, numbers ...string) error {
	members := normalizeAll(numbers)
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("dnc: add: %w", err)
	}
	return nil
}

// Remove unlists numbers.
func (r *RedisRegistry) Remove(ctx context.Context, numbers ...string) error {
	members := normalizeAll(numbers)
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("dnc: remove: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("dnc: ping: %w", err)
	}
	return nil
}

func normalizeAll(numbers []string) []any {
	out := make([]any, 0, len(numbers))
	for _, n := range numbers {
		if s := Normalize(n); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Static is an in-memory registry, used when no Redis is configured.
type Static struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewStatic returns a registry listing numbers.
func NewStatic(numbers ...string) *Static {
	s := &Static{set: make(map[string]struct{}, len(numbers))}
	for _, n := range numbers {
		if v := Normalize(n); v != "" {
			s.set[v] = struct{}{}
		}
	}
	return s
}

// Listed implements [Registry].
func (s *Static) Listed(_ context.Context, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[Normalize(number)]
	return ok, nil
}

var (
	_ Registry = (*RedisRegistry)(nil)
	_ Registry = (*Static)(nil)
)
