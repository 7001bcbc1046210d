// Package executor drives a borrow from authorization to settlement. It picks
// the execution path from the session wallet's capabilities, holds the nonce
// discipline, and maps relay statuses onto stable error values.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"crosscredit/chainclient"
	"crosscredit/indexer"
	"crosscredit/nonce"
	"crosscredit/observability"
	"crosscredit/registry"
	"crosscredit/signer"
)

// Execution paths reported in results and metrics.
const (
	PathDirect  = "direct"
	PathGasless = "gasless"
)

var (
	// ErrNotEnoughLimit means the account lacks borrow headroom on the target
	// chain. Terminal for the requested amount; nothing was submitted.
	ErrNotEnoughLimit = errors.New("executor: not enough borrow limit")

	// ErrIssuerUnavailable means the issuer cannot fund the borrow right now.
	ErrIssuerUnavailable = errors.New("executor: issuer balance unavailable")

	// ErrNonceRace means another authorization consumed the nonce first. The
	// nonce tracker has been invalidated; retry after the next refresh.
	ErrNonceRace = errors.New("executor: borrow nonce already consumed")

	// ErrWrongTarget means the nonce tracker is following a different
	// account or chain than the borrow asks for.
	ErrWrongTarget = errors.New("executor: nonce tracker targets a different account")
)

// Relay is the slice of the indexer API the executor needs.
type Relay interface {
	Borrow(ctx context.Context, req indexer.BorrowRequest) (*indexer.BorrowTicket, error)
	BorrowGasless(ctx context.Context, req indexer.GaslessBorrowRequest) (*indexer.RelayResult, error)
	GaslessMint(ctx context.Context, req indexer.GaslessBorrowRequest, nftAddress common.Address) (*indexer.RelayResult, error)
	UpdateBorrow(ctx context.Context, accountID string, lzID uint32) error
	UpdateNFT(ctx context.Context, accountID string, lzID uint32) error
	UpdateLimits(ctx context.Context, accountID string, wallet common.Address) error
}

// WalletSession is the connected wallet: it signs typed-data digests for the
// gasless path and raw transactions for the direct path.
type WalletSession interface {
	signer.Wallet
	chainclient.TxSigner
}

// BorrowParams describe one borrow attempt.
type BorrowParams struct {
	AccountID  string
	Amount     *big.Int
	LZID       uint32
	Recipient  common.Address // zero value defaults to the session wallet
	Gasless    bool
	UseWeth    bool
	Integrator uint64
}

// Result reports a settled borrow.
type Result struct {
	AttemptID   string
	Path        string
	TxHash      string
	ExplorerURL string
}

// Executor coordinates signing, nonce consumption and submission.
type Executor struct {
	chains  *chainclient.Set
	relay   Relay
	signer  *signer.Signer
	nonces  *nonce.Tracker
	reg     *registry.Registry
	wallet  WalletSession
	log     *slog.Logger
	metrics borrowRecorder
	nowFn   func() time.Time
}

type borrowRecorder interface {
	ObserveAttempt(path, outcome string, duration time.Duration)
	RecordNonceRace()
	RecordRevert(chain string)
}

// New constructs an Executor. The signer must be bound to the same wallet as
// the session.
func New(chains *chainclient.Set, relay Relay, sig *signer.Signer, nonces *nonce.Tracker, reg *registry.Registry, wallet WalletSession, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		chains:  chains,
		relay:   relay,
		signer:  sig,
		nonces:  nonces,
		reg:     reg,
		wallet:  wallet,
		log:     log.With("component", "executor"),
		metrics: observability.Borrow(),
		nowFn:   time.Now,
	}
}

// Borrow executes one borrow attempt end to end. The gasless flag is a
// request, not a guarantee: contract wallets cannot produce the signature the
// relay verifies, so they always take the direct path.
func (e *Executor) Borrow(ctx context.Context, params BorrowParams) (*Result, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("executor: positive amount required")
	}
	attempt := uuid.NewString()
	start := e.nowFn()
	log := e.log.With("attempt", attempt, "account", params.AccountID, "chain", params.LZID)

	client, err := e.chains.ForLZ(params.LZID)
	if err != nil {
		return nil, err
	}
	if account, lzID := e.nonces.Target(); account != params.AccountID || lzID != params.LZID {
		return nil, ErrWrongTarget
	}

	path := PathDirect
	if params.Gasless {
		contractWallet, err := client.IsContract(ctx, e.wallet.Address())
		if err != nil {
			log.Warn("bytecode probe failed, assuming externally owned wallet", "error", err)
		}
		if contractWallet {
			log.Info("contract wallet detected, downgrading to direct path")
		} else {
			path = PathGasless
		}
	}

	var (
		result   *Result
		execErr  error
		duration time.Duration
	)
	switch path {
	case PathGasless:
		result, execErr = e.gasless(ctx, client, params, log)
	default:
		result, execErr = e.direct(ctx, client, params, log)
	}
	duration = e.nowFn().Sub(start)
	e.metrics.ObserveAttempt(path, outcomeLabel(execErr), duration)
	if execErr != nil {
		return nil, execErr
	}
	result.AttemptID = attempt
	result.Path = path
	log.Info("borrow settled", "path", path, "tx", result.TxHash)
	e.notifySettled(params.AccountID, params.LZID)
	return result, nil
}

// direct asks the issuer to co-sign, then submits the borrow from the
// session wallet. The issuer's signature is the one the contract verifies.
func (e *Executor) direct(ctx context.Context, client *chainclient.Client, params BorrowParams, log *slog.Logger) (*Result, error) {
	// Serialize against concurrent attempts even though the server nonce is
	// authoritative for this path.
	if _, err := e.nonces.Consume(); err != nil {
		return nil, err
	}
	defer e.nonces.Invalidate()

	recipient := params.Recipient
	if recipient == (common.Address{}) {
		recipient = e.wallet.Address()
	}
	ticket, err := e.relay.Borrow(ctx, indexer.BorrowRequest{
		Wallet:    e.wallet.Address(),
		AccountID: params.AccountID,
		Amount:    params.Amount,
		LZID:      params.LZID,
		Recipient: recipient,
	})
	if err != nil {
		return nil, err
	}
	if err := e.mapStatus(ticket.Status); err != nil {
		log.Info("issuer denied borrow", "status", ticket.Status, "terminal", indexer.Terminal(ticket.Status))
		return nil, err
	}

	chain := client.Chain()
	req := &signer.SignedBorrowRequest{
		Borrower:          e.wallet.Address(),
		IssuerNFT:         e.reg.IssuerNFT(),
		AccountID:         params.AccountID,
		Amount:            new(big.Int).Set(params.Amount),
		Timestamp:         ticket.Timestamp,
		SignatureValidity: uint64(signer.ValidityDirect / time.Second),
		Nonce:             ticket.Nonce,
		Recipient:         recipient,
		NativeChainID:     chain.NativeChainID,
		LZID:              params.LZID,
		Signature:         ticket.Signature,
	}
	receipt, err := client.Borrow(ctx, e.wallet, req, params.UseWeth, params.Integrator)
	if err != nil {
		if errors.Is(err, chainclient.ErrTxReverted) {
			e.metrics.RecordRevert(chain.Name)
		}
		return nil, err
	}
	hash := receipt.TxHash.Hex()
	return &Result{TxHash: hash, ExplorerURL: e.reg.ExplorerTxURL(params.LZID, hash)}, nil
}

// gasless signs the borrow locally and hands it to the relay, which pays gas.
func (e *Executor) gasless(ctx context.Context, client *chainclient.Client, params BorrowParams, log *slog.Logger) (*Result, error) {
	nonceVal, err := e.nonces.Consume()
	if err != nil {
		return nil, err
	}
	signed, err := e.signer.BuildAndSign(ctx, signer.BorrowTerms{
		AccountID: params.AccountID,
		Amount:    params.Amount,
		Nonce:     nonceVal,
		LZID:      params.LZID,
		Recipient: params.Recipient,
		Validity:  signer.ValidityGasless,
	})
	if err != nil {
		// The reserved nonce was never presented on-chain; make the tracker
		// refetch rather than guess.
		e.nonces.Invalidate()
		return nil, err
	}
	result, err := e.relay.BorrowGasless(ctx, indexer.GaslessBorrowRequest{
		Signer:        e.wallet.Address(),
		AccountID:     params.AccountID,
		Amount:        params.Amount,
		Timestamp:     signed.Timestamp,
		LZID:          params.LZID,
		Recipient:     signed.Recipient,
		UserSignature: signed.Signature,
		UseWeth:       params.UseWeth,
		Integrator:    params.Integrator,
	})
	if err != nil {
		e.nonces.Invalidate()
		return nil, err
	}
	if err := e.mapStatus(result.Status); err != nil {
		log.Info("relay denied borrow", "status", result.Status, "terminal", indexer.Terminal(result.Status))
		return nil, err
	}
	return &Result{TxHash: result.TxHash, ExplorerURL: e.reg.ExplorerTxURL(params.LZID, result.TxHash)}, nil
}

// MintAndBorrow relays a signed borrow that also mints the account token on
// the target chain. Only the gasless path exists for minting.
func (e *Executor) MintAndBorrow(ctx context.Context, params BorrowParams) (*Result, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("executor: positive amount required")
	}
	attempt := uuid.NewString()
	start := e.nowFn()
	log := e.log.With("attempt", attempt, "account", params.AccountID, "chain", params.LZID)

	if _, err := e.reg.ByLZ(params.LZID); err != nil {
		return nil, err
	}
	nonceVal, err := e.nonces.Consume()
	if err != nil {
		return nil, err
	}
	signed, err := e.signer.BuildAndSign(ctx, signer.BorrowTerms{
		AccountID: params.AccountID,
		Amount:    params.Amount,
		Nonce:     nonceVal,
		LZID:      params.LZID,
		Recipient: params.Recipient,
		Validity:  signer.ValidityGasless,
	})
	if err != nil {
		e.nonces.Invalidate()
		return nil, err
	}
	result, err := e.relay.GaslessMint(ctx, indexer.GaslessBorrowRequest{
		Signer:        e.wallet.Address(),
		AccountID:     params.AccountID,
		Amount:        params.Amount,
		Timestamp:     signed.Timestamp,
		LZID:          params.LZID,
		Recipient:     signed.Recipient,
		UserSignature: signed.Signature,
		UseWeth:       params.UseWeth,
		Integrator:    params.Integrator,
	}, e.reg.IssuerNFT())
	duration := e.nowFn().Sub(start)
	if err != nil {
		e.nonces.Invalidate()
		e.metrics.ObserveAttempt(PathGasless, outcomeLabel(err), duration)
		return nil, err
	}
	if err := e.mapStatus(result.Status); err != nil {
		e.metrics.ObserveAttempt(PathGasless, outcomeLabel(err), duration)
		return nil, err
	}
	e.metrics.ObserveAttempt(PathGasless, "ok", duration)
	log.Info("mint and borrow settled", "tx", result.TxHash)
	if err := e.relay.UpdateNFT(context.WithoutCancel(ctx), params.AccountID, params.LZID); err != nil {
		log.Warn("account refresh notification failed", "error", err)
	}
	return &Result{AttemptID: attempt, Path: PathGasless, TxHash: result.TxHash, ExplorerURL: e.reg.ExplorerTxURL(params.LZID, result.TxHash)}, nil
}

// Repay submits an on-chain repayment from the session wallet and notifies
// the indexer so positions resync promptly. The borrower is the contract's
// bytes32 wallet reference, as surfaced in the account's borrow positions.
func (e *Executor) Repay(ctx context.Context, accountID string, lzID uint32, borrower [32]byte, amount *big.Int) (*Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("executor: positive amount required")
	}
	client, err := e.chains.ForLZ(lzID)
	if err != nil {
		return nil, err
	}
	receipt, err := client.Repay(ctx, e.wallet, accountID, borrower, e.wallet.Address(), amount)
	if err != nil {
		if errors.Is(err, chainclient.ErrTxReverted) {
			e.metrics.RecordRevert(client.Chain().Name)
		}
		return nil, err
	}
	hash := receipt.TxHash.Hex()
	e.notifySettled(accountID, lzID)
	return &Result{AttemptID: uuid.NewString(), Path: PathDirect, TxHash: hash, ExplorerURL: e.reg.ExplorerTxURL(lzID, hash)}, nil
}

// mapStatus converts a relay status into the package's error vocabulary. A
// rejected signature means our nonce lost a race, never that the payload was
// malformed; the tracker is reset so the next read refetches.
func (e *Executor) mapStatus(status string) error {
	switch status {
	case indexer.StatusBorrowApproved:
		return nil
	case indexer.StatusNotEnoughLimit:
		return ErrNotEnoughLimit
	case indexer.StatusInsufficientIssuerBalance:
		return ErrIssuerUnavailable
	case indexer.StatusInvalidSignature:
		e.nonces.Invalidate()
		e.metrics.RecordNonceRace()
		return ErrNonceRace
	default:
		return fmt.Errorf("executor: unexpected relay status %q", status)
	}
}

// RepayBatch settles several positions in one transaction; the total is sent
// as value. Every touched account gets a settlement notification.
func (e *Executor) RepayBatch(ctx context.Context, lzID uint32, accountIDs []string, borrowers [][32]byte, amounts []*big.Int) (*Result, error) {
	if len(accountIDs) == 0 || len(accountIDs) != len(borrowers) || len(borrowers) != len(amounts) {
		return nil, fmt.Errorf("executor: mismatched repayment rows")
	}
	total := big.NewInt(0)
	for _, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, fmt.Errorf("executor: positive amount required")
		}
		total.Add(total, amount)
	}
	client, err := e.chains.ForLZ(lzID)
	if err != nil {
		return nil, err
	}
	receipt, err := client.RepayMultiple(ctx, e.wallet, accountIDs, borrowers, amounts, e.wallet.Address(), total)
	if err != nil {
		if errors.Is(err, chainclient.ErrTxReverted) {
			e.metrics.RecordRevert(client.Chain().Name)
		}
		return nil, err
	}
	hash := receipt.TxHash.Hex()
	notified := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		if _, done := notified[id]; done {
			continue
		}
		notified[id] = struct{}{}
		e.notifySettled(id, lzID)
	}
	return &Result{AttemptID: uuid.NewString(), Path: PathDirect, TxHash: hash, ExplorerURL: e.reg.ExplorerTxURL(lzID, hash)}, nil
}

// WalletConfig is one authorized wallet's issuer-side configuration: the
// owner-set borrow limit and autogas flag per supported chain.
type WalletConfig struct {
	Wallet  common.Address
	Chains  []uint32
	Limits  []*big.Int
	Autogas []bool
}

// WalletConfigs reads the authorized wallet list and each wallet's per-chain
// limits from the issuer contract on the given chain.
func (e *Executor) WalletConfigs(ctx context.Context, accountID string, lzID uint32) ([]WalletConfig, error) {
	client, err := e.chains.ForLZ(lzID)
	if err != nil {
		return nil, err
	}
	nft := chainclient.NewNFTClient(client)
	chains, err := nft.ChainList(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := nft.Wallets(ctx, accountID)
	if err != nil {
		return nil, err
	}
	configs := make([]WalletConfig, 0, len(refs))
	for _, ref := range refs {
		limits, err := nft.LimitsConfig(ctx, accountID, ref)
		if err != nil {
			return nil, err
		}
		autogas, err := nft.AutogasConfig(ctx, accountID, ref)
		if err != nil {
			return nil, err
		}
		configs = append(configs, WalletConfig{
			Wallet:  chainclient.Bytes32ToAddress(ref),
			Chains:  chains,
			Limits:  limits,
			Autogas: autogas,
		})
	}
	return configs, nil
}

// RaiseLimits lifts a wallet's borrow limits on the issuer contract, then
// asks the indexer to refresh the account so ceilings update promptly.
func (e *Executor) RaiseLimits(ctx context.Context, accountID string, lzID uint32, wallet common.Address, chainIDs []uint32, limits []*big.Int, autogas []bool) (*Result, error) {
	client, err := e.chains.ForLZ(lzID)
	if err != nil {
		return nil, err
	}
	nft := chainclient.NewNFTClient(client)
	receipt, err := nft.SetHigherBulkLimits(ctx, e.wallet, accountID, chainclient.AddressToBytes32(wallet), chainIDs, limits, autogas)
	if err != nil {
		if errors.Is(err, chainclient.ErrTxReverted) {
			e.metrics.RecordRevert(client.Chain().Name)
		}
		return nil, err
	}
	hash := receipt.TxHash.Hex()
	if err := e.relay.UpdateLimits(context.WithoutCancel(ctx), accountID, wallet); err != nil {
		e.log.Warn("limits refresh notification failed", "account", accountID, "error", err)
	}
	return &Result{AttemptID: uuid.NewString(), Path: PathDirect, TxHash: hash, ExplorerURL: e.reg.ExplorerTxURL(lzID, hash)}, nil
}

// OwnedAccounts enumerates the credit-account tokens the session wallet holds
// on the issuer contract, an on-chain cross-check of the indexer snapshot.
func (e *Executor) OwnedAccounts(ctx context.Context, lzID uint32) ([]string, error) {
	client, err := e.chains.ForLZ(lzID)
	if err != nil {
		return nil, err
	}
	return chainclient.NewNFTClient(client).TokensOf(ctx, e.wallet.Address())
}

// notifySettled is a best-effort poke; the poll loop will catch up even when
// it fails.
func (e *Executor) notifySettled(accountID string, lzID uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.relay.UpdateBorrow(ctx, accountID, lzID); err != nil {
		e.log.Warn("settlement notification failed", "account", accountID, "chain", lzID, "error", err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotEnoughLimit):
		return indexer.StatusNotEnoughLimit
	case errors.Is(err, ErrIssuerUnavailable):
		return indexer.StatusInsufficientIssuerBalance
	case errors.Is(err, ErrNonceRace):
		return indexer.StatusInvalidSignature
	case errors.Is(err, signer.ErrUserDeclined):
		return "declined"
	case errors.Is(err, nonce.ErrNonceStale):
		return "nonce_stale"
	case errors.Is(err, chainclient.ErrTxReverted):
		return "reverted"
	default:
		return "error"
	}
}
