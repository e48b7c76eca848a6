package dnc

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) (*miniredis.Miniredis, *RedisRegistry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, "")
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"+1 (555) 010-9999", "5550109999"},
		{"555-010-9999", "5550109999"},
		{"15550109999", "5550109999"},
		{"+44 20 7946 0958", "442079460958"},
		{"unknown", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedisRegistry_Listed(t *testing.T) {
	t.Parallel()

	mr, r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.Add(ctx, "+1 (555) 010-9999", "not a number"); err != nil {
		t.Fatal(err)
	}

	if ok, _ := mr.SIsMember(DefaultKey, "5550109999"); !ok {
		t.Fatal("number not stored normalized")
	}

	tests := []struct {
		number string
		want   bool
	}{
		{"555.010.9999", true},
		{"15550109999", true},
		{"5550100000", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := r.Listed(ctx, tt.number)
		if err != nil {
			t.Fatalf("Listed(%q): %v", tt.number, err)
		}
		if got != tt.want {
			t.Errorf("Listed(%q) = %v, want %v", tt.number, got, tt.want)
		}
	}

	if err := r.Remove(ctx, "5550109999"); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Listed(ctx, "5550109999"); got {
		t.Error("number still listed after Remove")
	}
}

func TestRedisRegistry_Unavailable(t *testing.T) {
	t.Parallel()

	mr, r := newTestRegistry(t)
	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()

	if _, err := r.Listed(context.Background(), "5550109999"); err == nil {
		t.Error("expected error with redis down")
	}
	if err := r.Ping(context.Background()); err == nil {
		t.Error("expected ping error with redis down")
	}
}

func TestRedisRegistry_CustomKey(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if _, err := mr.SAdd("tenant:42:dnc", "5550101234"); err != nil {
		t.Fatal(err)
	}

	r := NewRedis(client, "tenant:42:dnc")
	if got, err := r.Listed(context.Background(), "(555) 010-1234"); err != nil || !got {
		t.Errorf("Listed = %v, %v", got, err)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	s := NewStatic("+1 555 010 9999", "")
	if got, _ := s.Listed(context.Background(), "5550109999"); !got {
		t.Error("expected listed")
	}
	if got, _ := s.Listed(context.Background(), ""); got {
		t.Error("empty number must not be listed")
	}
}
