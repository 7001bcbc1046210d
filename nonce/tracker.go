// Package nonce tracks the on-chain borrow authorization nonce for the active
// (account, chain) pair. The tracker is the client-side mutual exclusion for
// borrow authorizations: a nonce may be consumed exactly once per read, so a
// second attempt started before the first completes observes a stale state
// and refuses to sign.
package nonce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State enumerates the tracker lifecycle for one (account, chain) target.
type State int

const (
	StateUnknown State = iota
	StateFetching
	StateFresh
	StateStale
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

var (
	// ErrNonceStale is returned when an authorization is requested while the
	// tracked nonce is stale, consumed, or still being fetched.
	ErrNonceStale = errors.New("nonce: not fresh, refresh before signing")
	// ErrNoTarget is returned before SetTarget selected an account and chain.
	ErrNoTarget = errors.New("nonce: no account/chain selected")
)

// ChainReader is the narrow on-chain surface the tracker needs.
type ChainReader interface {
	CurrentNonce(ctx context.Context, accountID string, lzID uint32) (uint64, error)
}

// Tracker holds the latest confirmed nonce for the active target.
type Tracker struct {
	reader    ChainReader
	freshFor  time.Duration
	pollEvery time.Duration
	log       *slog.Logger
	nowFn     func() time.Time

	mu         sync.Mutex
	state      State
	accountID  string
	lzID       uint32
	generation uint64
	nonce      uint64
	readAt     time.Time
}

// Option tweaks tracker construction.
type Option func(*Tracker)

// WithFreshness overrides how long a confirmed read stays fresh.
func WithFreshness(d time.Duration) Option {
	return func(t *Tracker) { t.freshFor = d }
}

// WithPollInterval overrides the background refresh cadence.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) { t.pollEvery = d }
}

func withNow(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFn = now }
}

// NewTracker builds a tracker over the given chain reader.
func NewTracker(reader ChainReader, log *slog.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		reader:    reader,
		freshFor:  30 * time.Second,
		pollEvery: 3 * time.Second,
		log:       log,
		nowFn:     time.Now,
		state:     StateUnknown,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTarget points the tracker at a new (account, chain) pair. The previous
// nonce value is discarded entirely; in-flight reads for the old target are
// ignored when they land.
func (t *Tracker) SetTarget(accountID string, lzID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accountID == accountID && t.lzID == lzID {
		return
	}
	t.accountID = accountID
	t.lzID = lzID
	t.generation++
	t.state = StateUnknown
	t.nonce = 0
}

// Target returns the active (account, chain) pair.
func (t *Tracker) Target() (string, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accountID, t.lzID
}

// State reports the current lifecycle state, degrading Fresh to Stale once
// the freshness window has elapsed.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() State {
	if t.state == StateFresh && t.nowFn().Sub(t.readAt) > t.freshFor {
		t.state = StateStale
	}
	return t.state
}

// Current returns the latest confirmed nonce. ok is true only while Fresh.
func (t *Tracker) Current() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stateLocked() != StateFresh {
		return 0, false
	}
	return t.nonce, true
}

// Consume hands out the fresh nonce exactly once and transitions to Stale so
// a concurrent borrow attempt cannot reuse it. The caller must Refresh (or
// wait for the poll loop) before signing again.
func (t *Tracker) Consume() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accountID == "" {
		return 0, ErrNoTarget
	}
	if t.stateLocked() != StateFresh {
		return 0, ErrNonceStale
	}
	t.state = StateStale
	// A refresh already in flight read the pre-consume nonce; bumping the
	// generation makes it land as a discard instead of flipping back to
	// Fresh with the value just handed out.
	t.generation++
	return t.nonce, nil
}

// Invalidate forces the tracker to Stale, used after any external event that
// may have advanced the on-chain nonce (a borrow confirmed elsewhere).
// In-flight reads started before the event are discarded when they land.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	if t.state == StateFresh || t.state == StateFetching {
		t.state = StateStale
	}
}

// Refresh reads the nonce from the chain for the active target. A result
// arriving after the target changed is discarded rather than applied.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	if t.accountID == "" {
		t.mu.Unlock()
		return ErrNoTarget
	}
	accountID, lzID, generation := t.accountID, t.lzID, t.generation
	if t.state != StateFresh {
		t.state = StateFetching
	}
	t.mu.Unlock()

	value, err := t.reader.CurrentNonce(ctx, accountID, lzID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != generation {
		// The target changed or the nonce was consumed while the read was
		// in flight; the value is no longer trustworthy.
		return nil
	}
	if err != nil {
		if t.state == StateFetching {
			t.state = StateStale
		}
		return err
	}
	t.nonce = value
	t.state = StateFresh
	t.readAt = t.nowFn()
	return nil
}

// Run refreshes the nonce on a fixed cadence until ctx is cancelled. Failed
// reads are logged and retried on the next tick.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil && !errors.Is(err, ErrNoTarget) {
				t.log.Warn("nonce refresh failed", "error", err)
			}
		}
	}
}
