package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeReader struct {
	mu      sync.Mutex
	nonce   uint64
	err     error
	calls   int
	blockCh chan struct{}
}

func (f *fakeReader) CurrentNonce(ctx context.Context, accountID string, lzID uint32) (uint64, error) {
	f.mu.Lock()
	f.calls++
	nonce, err, block := f.nonce, f.err, f.blockCh
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return nonce, err
}

func newTestTracker(reader ChainReader, now func() time.Time) *Tracker {
	return NewTracker(reader, nil, withNow(now))
}

func TestConsumeExactlyOnce(t *testing.T) {
	reader := &fakeReader{nonce: 7}
	tracker := newTestTracker(reader, time.Now)
	tracker.SetTarget("1", 40231)

	if _, err := tracker.Consume(); !errors.Is(err, ErrNonceStale) {
		t.Fatalf("unread nonce must not be consumable, got %v", err)
	}
	if err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, err := tracker.Consume()
	if err != nil {
		t.Fatalf("consume fresh nonce: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected nonce 7, got %d", got)
	}
	if tracker.State() != StateStale {
		t.Fatalf("consumed nonce must leave the tracker stale, got %v", tracker.State())
	}
	// A second authorization attempt before any refresh is rejected.
	if _, err := tracker.Consume(); !errors.Is(err, ErrNonceStale) {
		t.Fatalf("second consume must fail, got %v", err)
	}
}

func TestFreshnessWindowExpires(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	reader := &fakeReader{nonce: 3}
	tracker := newTestTracker(reader, func() time.Time { return clock() })
	tracker.SetTarget("1", 40231)

	if err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := tracker.Current(); !ok {
		t.Fatalf("expected fresh nonce after refresh")
	}
	now = now.Add(31 * time.Second)
	if _, ok := tracker.Current(); ok {
		t.Fatalf("nonce must go stale after the freshness window")
	}
	if tracker.State() != StateStale {
		t.Fatalf("expected stale state, got %v", tracker.State())
	}
}

func TestTargetChangeDiscardsInFlightRead(t *testing.T) {
	block := make(chan struct{})
	reader := &fakeReader{nonce: 9, blockCh: block}
	tracker := newTestTracker(reader, time.Now)
	tracker.SetTarget("1", 40231)

	done := make(chan error, 1)
	go func() { done <- tracker.Refresh(context.Background()) }()

	// Switch accounts while the read is in flight, then release it.
	time.Sleep(10 * time.Millisecond)
	tracker.SetTarget("2", 40231)
	close(block)

	if err := <-done; err != nil {
		t.Fatalf("discarded refresh should not error, got %v", err)
	}
	if _, ok := tracker.Current(); ok {
		t.Fatalf("stale in-flight result must not be applied to the new target")
	}
	if tracker.State() != StateUnknown {
		t.Fatalf("new target should start unknown, got %v", tracker.State())
	}
}

func TestConsumeDiscardsInFlightRead(t *testing.T) {
	reader := &fakeReader{nonce: 7}
	tracker := newTestTracker(reader, time.Now)
	tracker.SetTarget("1", 40231)
	if err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Start a second refresh and hold it inside the chain read.
	block := make(chan struct{})
	reader.mu.Lock()
	reader.blockCh = block
	reader.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- tracker.Refresh(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	got, err := tracker.Consume()
	if err != nil {
		t.Fatalf("consume fresh nonce: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected nonce 7, got %d", got)
	}

	// The stalled read carries the pre-consume nonce; when it lands it must
	// be dropped, not re-applied as Fresh.
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("discarded refresh should not error, got %v", err)
	}
	if tracker.State() != StateStale {
		t.Fatalf("tracker must stay stale after the consume, got %v", tracker.State())
	}
	if _, err := tracker.Consume(); !errors.Is(err, ErrNonceStale) {
		t.Fatalf("second attempt must not reuse the consumed nonce, got %v", err)
	}
}

func TestInvalidateDiscardsInFlightRead(t *testing.T) {
	block := make(chan struct{})
	reader := &fakeReader{nonce: 5, blockCh: block}
	tracker := newTestTracker(reader, time.Now)
	tracker.SetTarget("1", 40231)

	done := make(chan error, 1)
	go func() { done <- tracker.Refresh(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	// A borrow confirmed elsewhere may have advanced the on-chain nonce;
	// the read that started before it must not be applied.
	tracker.Invalidate()
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("discarded refresh should not error, got %v", err)
	}
	if _, ok := tracker.Current(); ok {
		t.Fatalf("pre-invalidation read must not surface as current")
	}
	if tracker.State() != StateStale {
		t.Fatalf("expected stale state, got %v", tracker.State())
	}
}

func TestRefreshErrorLeavesStale(t *testing.T) {
	reader := &fakeReader{err: errors.New("rpc down")}
	tracker := newTestTracker(reader, time.Now)
	tracker.SetTarget("1", 40231)

	if err := tracker.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if tracker.State() != StateStale {
		t.Fatalf("failed refresh should leave the tracker stale, got %v", tracker.State())
	}
	if _, err := tracker.Consume(); !errors.Is(err, ErrNonceStale) {
		t.Fatalf("stale tracker must refuse to sign, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	reader := &fakeReader{nonce: 4}
	tracker := newTestTracker(reader, time.Now)
	tracker.SetTarget("1", 40231)
	if err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	tracker.Invalidate()
	if _, ok := tracker.Current(); ok {
		t.Fatalf("invalidated nonce must not be current")
	}
}

func TestConsumeWithoutTarget(t *testing.T) {
	tracker := newTestTracker(&fakeReader{}, time.Now)
	if _, err := tracker.Consume(); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
	if err := tracker.Refresh(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget from refresh, got %v", err)
	}
}
