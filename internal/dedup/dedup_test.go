package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/lightnvr/engine/internal/config"
)

func TestNewReturnsLocalSetWhenAddrEmpty(t *testing.T) {
	set, err := New(config.DedupConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer set.Close()

	if _, ok := set.(*localSet); !ok {
		t.Fatalf("New() returned %T, want *localSet for empty Addr", set)
	}
}

func TestLocalSetTryAcquireIsExclusive(t *testing.T) {
	set := newLocalSet()
	ctx := context.Background()

	ok, err := set.TryAcquire(ctx, "seg1", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first TryAcquire to win")
	}

	ok, err = set.TryAcquire(ctx, "seg1", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire second: %v", err)
	}
	if ok {
		t.Fatal("expected second TryAcquire on the same key to lose")
	}
}

func TestLocalSetReleaseFreesKey(t *testing.T) {
	set := newLocalSet()
	ctx := context.Background()

	if _, err := set.TryAcquire(ctx, "seg1", time.Minute); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := set.Release(ctx, "seg1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ok, err := set.TryAcquire(ctx, "seg1", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	if !ok {
		t.Fatal("expected TryAcquire to succeed again after Release")
	}
}

func TestLocalSetExpiresAfterTTL(t *testing.T) {
	set := newLocalSet()
	ctx := context.Background()

	if _, err := set.TryAcquire(ctx, "seg1", time.Millisecond); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ok, err := set.TryAcquire(ctx, "seg1", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire after expiry: %v", err)
	}
	if !ok {
		t.Fatal("expected TryAcquire to succeed once the TTL has elapsed")
	}
}

func TestLocalSetKeysAreIndependent(t *testing.T) {
	set := newLocalSet()
	ctx := context.Background()

	if _, err := set.TryAcquire(ctx, "seg1", time.Minute); err != nil {
		t.Fatalf("TryAcquire seg1: %v", err)
	}
	ok, err := set.TryAcquire(ctx, "seg2", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire seg2: %v", err)
	}
	if !ok {
		t.Fatal("expected an independent key to acquire successfully")
	}
}

func TestLocalSetCloseIsNoop(t *testing.T) {
	set := newLocalSet()
	if err := set.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
