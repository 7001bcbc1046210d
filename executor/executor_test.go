package executor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"crosscredit/chainclient"
	"crosscredit/indexer"
	"crosscredit/nonce"
	"crosscredit/registry"
	"crosscredit/signer"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeEVM struct {
	nonceResult uint64
	code        []byte
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
}

func (f *fakeEVM) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out := make([]byte, 32)
	new(big.Int).SetUint64(f.nonceResult).FillBytes(out)
	return out, nil
}

func (f *fakeEVM) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeEVM) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeEVM) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 1, nil
}

func (f *fakeEVM) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEVM) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 210_000, nil
}

func (f *fakeEVM) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	if f.receipts == nil {
		f.receipts = make(map[common.Hash]*gethtypes.Receipt)
	}
	f.receipts[tx.Hash()] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: tx.Hash()}
	return nil
}

func (f *fakeEVM) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

type fakeRelay struct {
	ticket       *indexer.BorrowTicket
	relayResult  *indexer.RelayResult
	mintResult   *indexer.RelayResult
	borrowCalls  []indexer.BorrowRequest
	gaslessCalls []indexer.GaslessBorrowRequest
	mintCalls    []indexer.GaslessBorrowRequest
	mintNFT      common.Address
	updates      int
	nftUpdates   int
	limitUpdates int
}

func (f *fakeRelay) Borrow(ctx context.Context, req indexer.BorrowRequest) (*indexer.BorrowTicket, error) {
	f.borrowCalls = append(f.borrowCalls, req)
	return f.ticket, nil
}

func (f *fakeRelay) BorrowGasless(ctx context.Context, req indexer.GaslessBorrowRequest) (*indexer.RelayResult, error) {
	f.gaslessCalls = append(f.gaslessCalls, req)
	return f.relayResult, nil
}

func (f *fakeRelay) GaslessMint(ctx context.Context, req indexer.GaslessBorrowRequest, nftAddress common.Address) (*indexer.RelayResult, error) {
	f.mintCalls = append(f.mintCalls, req)
	f.mintNFT = nftAddress
	return f.mintResult, nil
}

func (f *fakeRelay) UpdateBorrow(ctx context.Context, accountID string, lzID uint32) error {
	f.updates++
	return nil
}

func (f *fakeRelay) UpdateNFT(ctx context.Context, accountID string, lzID uint32) error {
	f.nftUpdates++
	return nil
}

func (f *fakeRelay) UpdateLimits(ctx context.Context, accountID string, wallet common.Address) error {
	f.limitUpdates++
	return nil
}

func newTestExecutor(t *testing.T, evm *fakeEVM, relay *fakeRelay) (*Executor, *nonce.Tracker) {
	t.Helper()
	reg := registry.Default()
	chain, err := reg.ByLZ(40231)
	if err != nil {
		t.Fatalf("resolve chain: %v", err)
	}
	set := chainclient.NewSet(chainclient.New(evm, chain, reg.IssuerNFT()))
	tracker := nonce.NewTracker(set, slog.Default())
	tracker.SetTarget("7", 40231)
	if err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh nonce: %v", err)
	}
	wallet, err := signer.NewHexWallet(testKey)
	if err != nil {
		t.Fatalf("load wallet: %v", err)
	}
	exec := New(set, relay, signer.New(wallet, reg), tracker, reg, wallet, slog.Default())
	return exec, tracker
}

func borrowParams(gasless bool) BorrowParams {
	return BorrowParams{
		AccountID: "7",
		Amount:    big.NewInt(1_000_000),
		LZID:      40231,
		Gasless:   gasless,
	}
}

func TestGaslessBorrow(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{relayResult: &indexer.RelayResult{Status: indexer.StatusBorrowApproved, TxHash: "0xfeed"}}
	exec, tracker := newTestExecutor(t, evm, relay)

	result, err := exec.Borrow(context.Background(), borrowParams(true))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if result.Path != PathGasless {
		t.Fatalf("path = %s, want gasless", result.Path)
	}
	if result.TxHash != "0xfeed" {
		t.Fatalf("tx hash = %s", result.TxHash)
	}
	if !strings.Contains(result.ExplorerURL, "0xfeed") {
		t.Fatalf("explorer url missing hash: %s", result.ExplorerURL)
	}
	if len(relay.gaslessCalls) != 1 {
		t.Fatalf("expected one relay call, got %d", len(relay.gaslessCalls))
	}
	if len(relay.gaslessCalls[0].UserSignature) != 65 {
		t.Fatalf("relay payload missing signature")
	}
	if len(evm.sent) != 0 {
		t.Fatalf("gasless path must not submit on-chain")
	}
	if relay.updates != 1 {
		t.Fatalf("settlement must notify the indexer")
	}
	// The nonce was consumed; a second attempt without a refresh must refuse.
	if _, err := tracker.Consume(); !errors.Is(err, nonce.ErrNonceStale) {
		t.Fatalf("nonce must be consumed once, got %v", err)
	}
}

func TestGaslessDeniedWithoutSubmission(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{relayResult: &indexer.RelayResult{Status: indexer.StatusNotEnoughLimit}}
	exec, _ := newTestExecutor(t, evm, relay)

	_, err := exec.Borrow(context.Background(), borrowParams(true))
	if !errors.Is(err, ErrNotEnoughLimit) {
		t.Fatalf("expected ErrNotEnoughLimit, got %v", err)
	}
	if len(evm.sent) != 0 {
		t.Fatalf("denied borrow must leave the chain untouched")
	}
	if relay.updates != 0 {
		t.Fatalf("denied borrow must not notify settlement")
	}
}

func TestInvalidSignatureMeansNonceRace(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{relayResult: &indexer.RelayResult{Status: indexer.StatusInvalidSignature}}
	exec, tracker := newTestExecutor(t, evm, relay)

	_, err := exec.Borrow(context.Background(), borrowParams(true))
	if !errors.Is(err, ErrNonceRace) {
		t.Fatalf("expected ErrNonceRace, got %v", err)
	}
	if _, ok := tracker.Current(); ok {
		t.Fatalf("tracker must be invalidated after a race")
	}

	// After a refresh the same borrow goes through.
	relay.relayResult = &indexer.RelayResult{Status: indexer.StatusBorrowApproved, TxHash: "0x1"}
	if err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := exec.Borrow(context.Background(), borrowParams(true)); err != nil {
		t.Fatalf("retry after refresh: %v", err)
	}
}

func TestContractWalletTakesDirectPath(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9, code: []byte{0x60, 0x80}}
	relay := &fakeRelay{ticket: &indexer.BorrowTicket{
		Status:    indexer.StatusBorrowApproved,
		Timestamp: 1_700_000_000,
		Nonce:     9,
		Signature: make([]byte, 65),
	}}
	exec, _ := newTestExecutor(t, evm, relay)

	result, err := exec.Borrow(context.Background(), borrowParams(true))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if result.Path != PathDirect {
		t.Fatalf("contract wallet must take the direct path, got %s", result.Path)
	}
	if len(relay.borrowCalls) != 1 {
		t.Fatalf("direct path must request a co-signature")
	}
	if len(relay.gaslessCalls) != 0 {
		t.Fatalf("direct path must not hit the gasless relay")
	}
	if len(evm.sent) != 1 {
		t.Fatalf("direct path submits exactly one transaction, got %d", len(evm.sent))
	}
}

func TestDirectDeniedTicketStopsBeforeChain(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{ticket: &indexer.BorrowTicket{Status: indexer.StatusInsufficientIssuerBalance}}
	exec, _ := newTestExecutor(t, evm, relay)

	_, err := exec.Borrow(context.Background(), borrowParams(false))
	if !errors.Is(err, ErrIssuerUnavailable) {
		t.Fatalf("expected ErrIssuerUnavailable, got %v", err)
	}
	if len(evm.sent) != 0 {
		t.Fatalf("denied ticket must not reach the chain")
	}
}

func TestStaleNonceRefusesToSign(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{relayResult: &indexer.RelayResult{Status: indexer.StatusBorrowApproved, TxHash: "0x1"}}
	exec, tracker := newTestExecutor(t, evm, relay)

	if _, err := tracker.Consume(); err != nil {
		t.Fatalf("prime consume: %v", err)
	}
	_, err := exec.Borrow(context.Background(), borrowParams(true))
	if !errors.Is(err, nonce.ErrNonceStale) {
		t.Fatalf("expected stale nonce error, got %v", err)
	}
	if len(relay.gaslessCalls) != 0 {
		t.Fatalf("stale nonce must stop before the relay")
	}
}

func TestWrongTargetRejected(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	exec, _ := newTestExecutor(t, evm, &fakeRelay{})

	params := borrowParams(true)
	params.AccountID = "8"
	if _, err := exec.Borrow(context.Background(), params); !errors.Is(err, ErrWrongTarget) {
		t.Fatalf("expected ErrWrongTarget, got %v", err)
	}
}

func TestMintAndBorrow(t *testing.T) {
	evm := &fakeEVM{nonceResult: 0}
	relay := &fakeRelay{mintResult: &indexer.RelayResult{Status: indexer.StatusBorrowApproved, TxHash: "0xm"}}
	exec, _ := newTestExecutor(t, evm, relay)

	result, err := exec.MintAndBorrow(context.Background(), borrowParams(true))
	if err != nil {
		t.Fatalf("mint and borrow: %v", err)
	}
	if result.TxHash != "0xm" {
		t.Fatalf("tx hash = %s", result.TxHash)
	}
	if len(relay.mintCalls) != 1 {
		t.Fatalf("expected one mint relay call")
	}
	if relay.mintNFT != registry.Default().IssuerNFT() {
		t.Fatalf("mint must name the issuer contract")
	}
	if relay.nftUpdates != 1 {
		t.Fatalf("mint must trigger an account refresh")
	}
}

func TestRepayBatch(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{}
	exec, _ := newTestExecutor(t, evm, relay)

	borrower := chainclient.AddressToBytes32(common.HexToAddress("0x57148278E856654D2930b4BAD7517a3f261cF67c"))
	result, err := exec.RepayBatch(context.Background(), 40231,
		[]string{"7", "7", "8"},
		[][32]byte{borrower, borrower, borrower},
		[]*big.Int{big.NewInt(100), big.NewInt(200), big.NewInt(300)})
	if err != nil {
		t.Fatalf("repay batch: %v", err)
	}
	if len(evm.sent) != 1 {
		t.Fatalf("batch repay submits one transaction, got %d", len(evm.sent))
	}
	if evm.sent[0].Value().Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("tx value = %s, want the summed amount", evm.sent[0].Value())
	}
	if result.TxHash == "" {
		t.Fatalf("result missing tx hash")
	}
	// Two distinct accounts, two notifications.
	if relay.updates != 2 {
		t.Fatalf("expected 2 settlement notifications, got %d", relay.updates)
	}
}

func TestRepayBatchRejectsMismatchedRows(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	exec, _ := newTestExecutor(t, evm, &fakeRelay{})

	borrower := chainclient.AddressToBytes32(common.HexToAddress("0x57148278E856654D2930b4BAD7517a3f261cF67c"))
	_, err := exec.RepayBatch(context.Background(), 40231,
		[]string{"7"}, [][32]byte{borrower, borrower}, []*big.Int{big.NewInt(1)})
	if err == nil {
		t.Fatalf("mismatched rows must be rejected")
	}
	if len(evm.sent) != 0 {
		t.Fatalf("rejected batch must not reach the chain")
	}
}

func TestRaiseLimits(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{}
	exec, _ := newTestExecutor(t, evm, relay)

	wallet := common.HexToAddress("0x57148278E856654D2930b4BAD7517a3f261cF67c")
	result, err := exec.RaiseLimits(context.Background(), "7", 40231, wallet,
		[]uint32{40231, 40161}, []*big.Int{big.NewInt(100), big.NewInt(200)}, []bool{true, false})
	if err != nil {
		t.Fatalf("raise limits: %v", err)
	}
	if len(evm.sent) != 1 {
		t.Fatalf("limit raise submits one transaction, got %d", len(evm.sent))
	}
	if result.TxHash == "" {
		t.Fatalf("result missing tx hash")
	}
	if relay.limitUpdates != 1 {
		t.Fatalf("limit raise must notify the indexer")
	}
}

func TestRaiseLimitsRejectsMismatchedRows(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	exec, _ := newTestExecutor(t, evm, &fakeRelay{})

	wallet := common.HexToAddress("0x57148278E856654D2930b4BAD7517a3f261cF67c")
	_, err := exec.RaiseLimits(context.Background(), "7", 40231, wallet,
		[]uint32{40231}, []*big.Int{big.NewInt(100), big.NewInt(200)}, []bool{true})
	if err == nil {
		t.Fatalf("mismatched argument lengths must be rejected")
	}
	if len(evm.sent) != 0 {
		t.Fatalf("rejected raise must not reach the chain")
	}
}

func TestRepay(t *testing.T) {
	evm := &fakeEVM{nonceResult: 9}
	relay := &fakeRelay{}
	exec, _ := newTestExecutor(t, evm, relay)

	wallet := chainclient.AddressToBytes32(common.HexToAddress("0x57148278E856654D2930b4BAD7517a3f261cF67c"))
	result, err := exec.Repay(context.Background(), "7", 40231, wallet, big.NewInt(500))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if len(evm.sent) != 1 {
		t.Fatalf("repay submits one transaction")
	}
	if result.TxHash == "" {
		t.Fatalf("repay result missing hash")
	}
	if relay.updates != 1 {
		t.Fatalf("repay must notify the indexer")
	}
}
