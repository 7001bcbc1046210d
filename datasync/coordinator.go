// Package datasync owns the client-side view of the credit line: the account
// snapshots, the oracle prices and the native balance for the selected chain.
// A single coordinator serializes every mutation, so readers always observe a
// consistent state and never a half-applied refresh.
package datasync

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosscredit/chainclient"
	"crosscredit/indexer"
	"crosscredit/ledger"
	"crosscredit/nonce"
	"crosscredit/observability"
	"crosscredit/snapshot"
)

// Fetcher is the slice of the indexer API the coordinator reads from.
type Fetcher interface {
	WalletData(ctx context.Context, wallet common.Address) ([]snapshot.CreditAccount, error)
	OracleData(ctx context.Context) (indexer.OracleQuote, error)
}

// State is one consistent view of everything the daemon tracks. Slices and
// big.Ints are deep copies; callers may hold them indefinitely.
type State struct {
	Wallet     common.Address
	Accounts   []snapshot.CreditAccount
	Selected   string
	ChainID    uint32
	Prices     ledger.PriceRatio
	PriceStale bool
	Balance    *big.Int
	LastSync   time.Time
}

// Coordinator drives periodic and on-demand refreshes and fans the resulting
// state out to subscribers.
type Coordinator struct {
	fetch     Fetcher
	chains    *chainclient.Set
	store     *snapshot.Store
	nonces    *nonce.Tracker
	log       *slog.Logger
	metrics   syncRecorder
	pollEvery time.Duration
	nowFn     func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	subs       []chan State

	kick chan string
}

type syncRecorder interface {
	ObserveRefresh(trigger string, duration time.Duration, err error)
	SetAccounts(count int)
	SetPriceStale(stale bool)
}

// Option tweaks coordinator construction.
type Option func(*Coordinator)

// WithPollInterval overrides the background refresh cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollEvery = d }
}

func withNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.nowFn = now }
}

// NewCoordinator builds a coordinator. The store is optional; without it the
// daemon simply starts cold after a restart.
func NewCoordinator(fetch Fetcher, chains *chainclient.Set, store *snapshot.Store, nonces *nonce.Tracker, log *slog.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		fetch:     fetch,
		chains:    chains,
		store:     store,
		nonces:    nonces,
		log:       log.With("component", "datasync"),
		metrics:   observability.Sync(),
		pollEvery: 30 * time.Second,
		nowFn:     time.Now,
		kick:      make(chan string, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetWallet switches the coordinator to a new wallet. Previous accounts are
// dropped immediately (and the previous wallet's cache entry with them) so
// superseded data never shows through, the cached snapshot (if any) is served
// as a provisional view, and a refresh runs before returning.
func (c *Coordinator) SetWallet(ctx context.Context, wallet common.Address) error {
	c.mu.Lock()
	if c.state.Wallet == wallet {
		c.mu.Unlock()
		return nil
	}
	previous := c.state.Wallet
	c.generation++
	c.state = State{Wallet: wallet, ChainID: c.state.ChainID}
	if c.store != nil && wallet != (common.Address{}) {
		if cached, fetchedAt, err := c.store.Get(wallet.Hex()); err == nil {
			c.state.Accounts = cached
			c.state.LastSync = fetchedAt
		} else if !errors.Is(err, snapshot.ErrNotCached) {
			c.log.Warn("snapshot cache read failed", "error", err)
		}
	}
	c.notifyLocked()
	c.mu.Unlock()

	if c.store != nil && previous != (common.Address{}) {
		if err := c.store.Forget(previous.Hex()); err != nil {
			c.log.Warn("snapshot cache forget failed", "wallet", previous.Hex(), "error", err)
		}
	}
	if wallet == (common.Address{}) {
		return nil
	}
	return c.syncOnce(ctx, "wallet_change")
}

// SetChain selects the chain borrows will target. The nonce tracker is
// retargeted and the native balance refreshed for the new chain.
func (c *Coordinator) SetChain(ctx context.Context, lzID uint32) error {
	c.mu.Lock()
	c.state.ChainID = lzID
	selected := c.state.Selected
	wallet := c.state.Wallet
	c.mu.Unlock()

	if selected != "" {
		c.nonces.SetTarget(selected, lzID)
		if err := c.nonces.Refresh(ctx); err != nil {
			c.log.Warn("nonce refresh after chain switch failed", "chain", lzID, "error", err)
		}
	}
	if wallet == (common.Address{}) {
		return nil
	}
	return c.refreshBalance(ctx, wallet, lzID)
}

// SelectAccount picks the credit account borrows draw on.
func (c *Coordinator) SelectAccount(ctx context.Context, accountID string) {
	c.mu.Lock()
	c.state.Selected = accountID
	lzID := c.state.ChainID
	c.mu.Unlock()

	if accountID == "" || lzID == 0 {
		return
	}
	c.nonces.SetTarget(accountID, lzID)
	if err := c.nonces.Refresh(ctx); err != nil {
		c.log.Warn("nonce refresh after account switch failed", "account", accountID, "error", err)
	}
}

// NoteMinted inserts a placeholder for a freshly minted account so it shows
// up immediately, then schedules a refresh to replace it once the indexer has
// observed the token.
func (c *Coordinator) NoteMinted(accountID string) {
	c.mu.Lock()
	known := false
	for i := range c.state.Accounts {
		if c.state.Accounts[i].ID == accountID {
			known = true
			break
		}
	}
	if !known {
		c.state.Accounts = append(c.state.Accounts, snapshot.Blank(accountID))
		c.notifyLocked()
	}
	c.mu.Unlock()
	c.Invalidate()
}

// Invalidate schedules an out-of-band refresh, used after a settlement is
// observed. Multiple calls before the refresh runs collapse into one.
func (c *Coordinator) Invalidate() {
	select {
	case c.kick <- "invalidate":
	default:
	}
}

// Current returns a deep copy of the present state.
func (c *Coordinator) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyStateLocked()
}

// Subscribe returns a channel receiving a state copy after every observed
// change. Slow consumers miss intermediate states, never the latest one.
func (c *Coordinator) Subscribe() <-chan State {
	ch := make(chan State, 1)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Run drives the poll loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncLogged(ctx, "poll")
		case trigger := <-c.kick:
			c.syncLogged(ctx, trigger)
		}
	}
}

func (c *Coordinator) syncLogged(ctx context.Context, trigger string) {
	if err := c.syncOnce(ctx, trigger); err != nil {
		c.log.Warn("refresh failed", "trigger", trigger, "error", err)
	}
}

// syncOnce performs one full refresh cycle. A result landing after the wallet
// changed is discarded rather than applied to the wrong wallet.
func (c *Coordinator) syncOnce(ctx context.Context, trigger string) error {
	c.mu.Lock()
	wallet := c.state.Wallet
	generation := c.generation
	lzID := c.state.ChainID
	c.mu.Unlock()
	if wallet == (common.Address{}) {
		return nil
	}

	start := c.nowFn()
	accounts, err := c.fetch.WalletData(ctx, wallet)
	if err != nil {
		c.metrics.ObserveRefresh(trigger, c.nowFn().Sub(start), err)
		return err
	}

	quote, quoteErr := c.fetch.OracleData(ctx)
	var ratio ledger.PriceRatio
	if quoteErr == nil {
		ratio, quoteErr = quote.Ratio()
	}

	var balance *big.Int
	if lzID != 0 {
		if client, err := c.chains.ForLZ(lzID); err == nil {
			if value, err := client.NativeBalance(ctx, wallet); err == nil {
				balance = value
			} else {
				c.log.Warn("balance read failed", "chain", lzID, "error", err)
			}
		}
	}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return nil
	}
	merged := snapshot.Merge(c.state.Accounts, accounts)
	changed := !snapshot.EqualAll(c.state.Accounts, merged)
	c.state.Accounts = merged
	c.state.LastSync = c.nowFn()
	if quoteErr == nil {
		if !c.state.Prices.Valid() || c.state.Prices.WstEthToEth.Cmp(ratio.WstEthToEth) != 0 ||
			c.state.Prices.EthUsd.Cmp(ratio.EthUsd) != 0 {
			changed = true
		}
		c.state.Prices = ratio
		c.state.PriceStale = false
	} else {
		// Keep the last good quote; flag it so consumers can tell.
		if !c.state.PriceStale {
			changed = true
		}
		c.state.PriceStale = true
		c.log.Warn("oracle fetch failed, serving last good prices", "error", quoteErr)
	}
	if balance != nil {
		if c.state.Balance == nil || c.state.Balance.Cmp(balance) != 0 {
			changed = true
		}
		c.state.Balance = balance
	}
	c.metrics.SetAccounts(len(merged))
	c.metrics.SetPriceStale(c.state.PriceStale)
	if changed {
		c.notifyLocked()
	}
	persist := c.copyStateLocked()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Put(wallet.Hex(), persist.Accounts, persist.LastSync); err != nil {
			c.log.Warn("snapshot cache write failed", "error", err)
		}
	}
	c.metrics.ObserveRefresh(trigger, c.nowFn().Sub(start), nil)
	return nil
}

func (c *Coordinator) refreshBalance(ctx context.Context, wallet common.Address, lzID uint32) error {
	client, err := c.chains.ForLZ(lzID)
	if err != nil {
		return err
	}
	balance, err := client.NativeBalance(ctx, wallet)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state.Wallet == wallet && c.state.ChainID == lzID {
		c.state.Balance = balance
		c.notifyLocked()
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) copyStateLocked() State {
	out := c.state
	out.Accounts = snapshot.CloneAll(c.state.Accounts)
	if c.state.Balance != nil {
		out.Balance = new(big.Int).Set(c.state.Balance)
	}
	if c.state.Prices.EthUsd != nil {
		out.Prices.EthUsd = new(big.Int).Set(c.state.Prices.EthUsd)
	}
	if c.state.Prices.WstEthToEth != nil {
		out.Prices.WstEthToEth = new(big.Int).Set(c.state.Prices.WstEthToEth)
	}
	return out
}

// notifyLocked pushes the current state to every subscriber, replacing any
// undelivered previous state. Caller holds c.mu.
func (c *Coordinator) notifyLocked() {
	view := c.copyStateLocked()
	for _, ch := range c.subs {
		select {
		case ch <- view:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}
