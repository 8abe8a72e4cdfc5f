package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// cleanupMockStore implements CleanupStore for testing.
type cleanupMockStore struct {
	staleCount int
	deleteErr  error

	deleteCalls atomic.Int32
	lastTTL     atomic.Value // time.Duration
}

func (m *cleanupMockStore) DeleteStaleInstances(ctx context.Context, ttl time.Duration) (int, error) {
	m.deleteCalls.Add(1)
	m.lastTTL.Store(ttl)
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	return m.staleCount, nil
}

func TestCleanup_StartStop(t *testing.T) {
	store := &cleanupMockStore{}
	cleanup := NewCleanup(store, &CleanupConfig{
		Interval: 50 * time.Millisecond,
	})

	ctx := context.Background()

	// Start should succeed
	if err := cleanup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !cleanup.IsRunning() {
		t.Error("Expected cleanup to be running")
	}

	// Second start should fail
	if err := cleanup.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	// Stop should succeed
	if err := cleanup.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if cleanup.IsRunning() {
		t.Error("Expected cleanup to not be running")
	}

	if store.deleteCalls.Load() == 0 {
		t.Error("Expected at least one cleanup pass")
	}
}

func TestCleanup_StopNotStarted(t *testing.T) {
	store := &cleanupMockStore{}
	cleanup := NewCleanup(store, nil)

	if err := cleanup.Stop(context.Background()); err != ErrNotStarted {
		t.Fatalf("Stop() error = %v, want %v", err, ErrNotStarted)
	}
}

func TestCleanup_RunOnce_StaleInstances(t *testing.T) {
	store := &cleanupMockStore{staleCount: 3}

	cleanup := NewCleanup(store, DefaultCleanupConfig())

	result := cleanup.RunOnce(context.Background())

	if result.StaleInstancesCleaned != 3 {
		t.Errorf("StaleInstancesCleaned = %d, want 3", result.StaleInstancesCleaned)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
	if ttl := store.lastTTL.Load().(time.Duration); ttl != DefaultInstanceTTL {
		t.Errorf("instance TTL = %v, want %v", ttl, DefaultInstanceTTL)
	}
}

func TestCleanup_RunOnce_Error(t *testing.T) {
	store := &cleanupMockStore{deleteErr: ErrNotStarted}

	cleanup := NewCleanup(store, DefaultCleanupConfig())

	result := cleanup.RunOnce(context.Background())
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %d, want 1", len(result.Errors))
	}
	if result.StaleInstancesCleaned != 0 {
		t.Errorf("StaleInstancesCleaned = %d, want 0", result.StaleInstancesCleaned)
	}
}

func TestCleanup_Callbacks(t *testing.T) {
	store := &cleanupMockStore{staleCount: 1}

	var staleCount atomic.Int32

	cleanup := NewCleanup(store, &CleanupConfig{
		Interval: 50 * time.Millisecond,
		OnStaleInstanceCleanup: func(count int) {
			staleCount.Store(int32(count))
		},
	})

	ctx := context.Background()

	if err := cleanup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Wait for at least one cleanup cycle
	time.Sleep(100 * time.Millisecond)

	if err := cleanup.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if staleCount.Load() != 1 {
		t.Errorf("OnStaleInstanceCleanup count = %d, want 1", staleCount.Load())
	}
}

func TestDefaultCleanupConfig(t *testing.T) {
	config := DefaultCleanupConfig()

	if config.Interval != DefaultCleanupInterval {
		t.Errorf("Interval = %v, want %v", config.Interval, DefaultCleanupInterval)
	}

	if config.InstanceTTL != DefaultInstanceTTL {
		t.Errorf("InstanceTTL = %v, want %v", config.InstanceTTL, DefaultInstanceTTL)
	}
}
