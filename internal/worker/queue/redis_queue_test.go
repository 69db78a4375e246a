package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisQueueFIFO(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	name := "texrender:test:" + uuid.NewString()
	defer rdb.Del(ctx, name)

	q := NewRedisQueue(rdb, name)
	q.wait = 100 * time.Millisecond

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("Pop() = %q, %v; want %q", got, err, want)
		}
	}

	got, err := q.Pop(ctx)
	if err != nil || got != "" {
		t.Errorf("empty Pop() = %q, %v; want timeout with no error", got, err)
	}
}
