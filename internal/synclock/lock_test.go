package synclock

import (
	"context"
	"testing"
	"time"
)

func TestAcquire_New(t *testing.T) {
	m := NewManager(nil, "SyncLocks")

	if err := m.Acquire(context.Background(), "user-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
}

func TestAcquire_Held(t *testing.T) {
	m := NewManager(nil, "SyncLocks")
	ctx := context.Background()

	if err := m.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	if err := m.Acquire(ctx, "user-1"); err != ErrHeld {
		t.Errorf("Expected ErrHeld for second acquire, got %v", err)
	}
}

func TestAcquire_OtherUserUnaffected(t *testing.T) {
	m := NewManager(nil, "SyncLocks")
	ctx := context.Background()

	if err := m.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("Acquire for user-1 failed: %v", err)
	}
	if err := m.Acquire(ctx, "user-2"); err != nil {
		t.Errorf("Acquire for user-2 should not be blocked by user-1's lock: %v", err)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	m := NewManager(nil, "SyncLocks")
	ctx := context.Background()

	if err := m.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m.Release(ctx, "user-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := m.Acquire(ctx, "user-1"); err != nil {
		t.Errorf("Acquire after release failed: %v", err)
	}
}

func TestRelease_NotHeld(t *testing.T) {
	m := NewManager(nil, "SyncLocks")

	if err := m.Release(context.Background(), "user-1"); err != nil {
		t.Errorf("Releasing an unheld lock should be a no-op, got %v", err)
	}
}

func TestAcquire_ExpiredLockIsTakeable(t *testing.T) {
	m := NewManager(nil, "SyncLocks")
	ctx := context.Background()

	if err := m.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Backdate the lock past its TTL.
	m.mu.Lock()
	m.local["user-1"] = time.Now().Add(-time.Minute).Unix()
	m.mu.Unlock()

	if err := m.Acquire(ctx, "user-1"); err != nil {
		t.Errorf("Expected expired lock to be takeable, got %v", err)
	}
}
