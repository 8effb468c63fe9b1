package cache

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisStore_KeyPrefix(t *testing.T) {
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "intake:")
	defer s.Close()

	if got := s.key("queue:h1"); got != "intake:queue:h1" {
		t.Errorf("expected prefixed key, got %s", got)
	}
	if err := s.Delete(context.Background()); err != nil {
		t.Errorf("empty delete should be a no-op, got %v", err)
	}
}

func TestNewRedisStore_BadURL(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), "not a url", ""); err == nil {
		t.Error("expected error for malformed url")
	}
}
