package workflow

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestRedisBackend_Sub(t *testing.T) {
	cli := setupRedis(t)
	backend := NewRedisBackendFromClient(cli)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// published before any consumer exists, the group starts at id 0
	if err := backend.Pub(ctx, "queue", "greeting", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	received := make(chan []byte, 1)
	done := make(chan error, 1)
	subctx, subcancel := context.WithCancel(ctx)
	defer subcancel()
	go func() {
		done <- backend.Sub(subctx, "queue", func(_ context.Context, _ string, val []byte) error {
			received <- val
			return nil
		}, WithAutoACK(true))
	}()

	select {
	case val := <-received:
		if !bytes.Equal(val, []byte("hello")) {
			t.Fatalf("received %q, want %q", val, "hello")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the message")
	}
	subcancel()
	if err := <-done; err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
}

func TestRedisBackend_KV(t *testing.T) {
	cli := setupRedis(t)
	backend := NewRedisBackendFromClient(cli)
	ctx := context.Background()

	if err := backend.Put(ctx, "group/task/uid-1", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := backend.Put(ctx, "group/task/uid-2", []byte("two")); err != nil {
		t.Fatal(err)
	}

	val, err := backend.Get(ctx, "group/task/uid-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "one" {
		t.Fatalf("Get() = %q, want %q", val, "one")
	}

	list, err := backend.List(ctx, "group/task/")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	if string(list["uid-2"]) != "two" {
		t.Fatalf("List()[uid-2] = %q, want %q", list["uid-2"], "two")
	}

	if err := backend.Del(ctx, "group/task/uid-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Get(ctx, "group/task/uid-1"); err == nil {
		t.Fatal("expected an error reading a deleted key")
	}

	// a ttl turns into a redis expiration
	if err := backend.Put(ctx, "marks/one", []byte("1"), time.Hour); err != nil {
		t.Fatal(err)
	}
	ttl, err := cli.TTL(ctx, kvPrefix+"marks/one").Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 {
		t.Fatalf("TTL = %v, want a positive expiration", ttl)
	}
}

func TestInmemoryBackend_Sub(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	backend := NewInmemoryBackend(ctx)

	received := make(chan []byte, 16)
	done := make(chan error, 1)
	subctx, subcancel := context.WithCancel(ctx)
	defer subcancel()
	go func() {
		done <- backend.Sub(subctx, "queue", func(_ context.Context, _ string, val []byte) error {
			received <- val
			return nil
		})
	}()

	// there is no replay, publish until the subscriber is registered
	for {
		if err := backend.Pub(ctx, "queue", "k", []byte("ping")); err != nil {
			t.Fatal(err)
		}
		select {
		case val := <-received:
			if !bytes.Equal(val, []byte("ping")) {
				t.Fatalf("received %q, want %q", val, "ping")
			}
			subcancel()
			if err := <-done; err != nil {
				t.Fatalf("Sub() error = %v", err)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("timed out waiting for the message")
		}
	}
}
