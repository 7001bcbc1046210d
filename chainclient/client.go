// Package chainclient is the typed client over the on-chain contract surface:
// the per-chain spending (lending) contract and the credit-account NFT
// contract on the admin chain. Call and transaction plumbing runs through a
// narrow EVM interface so tests can fake the RPC node.
package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"crosscredit/registry"
	"crosscredit/signer"
)

// ErrTxReverted is returned when a mined transaction carries a failed status.
var ErrTxReverted = errors.New("chainclient: transaction reverted")

// EVM is the subset of the Ethereum RPC the client consumes.
type EVM interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// TxSigner signs raw transactions for the direct execution path.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Client talks to the contracts deployed on one chain.
type Client struct {
	evm    EVM
	chain  registry.Chain
	issuer common.Address

	receiptEvery time.Duration
	receiptMax   time.Duration
}

// New builds a client for the given chain.
func New(evm EVM, chain registry.Chain, issuer common.Address) *Client {
	return &Client{
		evm:          evm,
		chain:        chain,
		issuer:       issuer,
		receiptEvery: 2 * time.Second,
		receiptMax:   2 * time.Minute,
	}
}

// Chain returns the chain this client is bound to.
func (c *Client) Chain() registry.Chain { return c.chain }

// CurrentNonce reads the borrow authorization nonce for an account.
func (c *Client) CurrentNonce(ctx context.Context, accountID string) (uint64, error) {
	nftID, err := parseAccountID(accountID)
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, c.chain.LendingContract, spendingABI, "getCurrentNonce", c.issuer, nftID)
	if err != nil {
		return 0, fmt.Errorf("chainclient: getCurrentNonce: %w", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok || !nonce.IsUint64() {
		return 0, fmt.Errorf("chainclient: getCurrentNonce: unexpected result")
	}
	return nonce.Uint64(), nil
}

// IsContract reports whether the address carries bytecode, distinguishing a
// contract wallet from an externally-owned account.
func (c *Client) IsContract(ctx context.Context, addr common.Address) (bool, error) {
	code, err := c.evm.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("chainclient: code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// NativeBalance reads the native asset balance of an address.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.evm.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("chainclient: balance of %s: %w", addr.Hex(), err)
	}
	return balance, nil
}

// Borrow submits the direct-path borrow transaction: the authorization
// parameters plus the issuer co-signature obtained from the backend. Blocks
// until the transaction is mined, returning the receipt.
func (c *Client) Borrow(ctx context.Context, txs TxSigner, req *signer.SignedBorrowRequest, useWeth bool, integrator uint64) (*gethtypes.Receipt, error) {
	nftID, err := parseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	data, err := spendingABI.Pack("borrow",
		req.IssuerNFT,
		nftID,
		req.Amount,
		new(big.Int).SetUint64(req.Timestamp),
		new(big.Int).SetUint64(req.SignatureValidity),
		new(big.Int).SetUint64(req.Nonce),
		req.Recipient,
		useWeth,
		req.Signature,
		new(big.Int).SetUint64(integrator),
	)
	if err != nil {
		return nil, fmt.Errorf("chainclient: pack borrow: %w", err)
	}
	return c.transact(ctx, txs, c.chain.LendingContract, data, nil)
}

// Repay pays down one wallet's position, sending the repayment as value.
func (c *Client) Repay(ctx context.Context, txs TxSigner, accountID string, wallet [32]byte, refund common.Address, amount *big.Int) (*gethtypes.Receipt, error) {
	nftID, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	data, err := spendingABI.Pack("repay", c.issuer, nftID, wallet, refund)
	if err != nil {
		return nil, fmt.Errorf("chainclient: pack repay: %w", err)
	}
	return c.transact(ctx, txs, c.chain.LendingContract, data, amount)
}

// RepayMultiple pays down several wallets' positions in one transaction.
func (c *Client) RepayMultiple(ctx context.Context, txs TxSigner, accountIDs []string, wallets [][32]byte, amounts []*big.Int, refund common.Address, total *big.Int) (*gethtypes.Receipt, error) {
	if len(accountIDs) != len(wallets) || len(wallets) != len(amounts) {
		return nil, fmt.Errorf("chainclient: repayMultiple: mismatched argument lengths")
	}
	nftIDs := make([]*big.Int, len(accountIDs))
	for i, id := range accountIDs {
		nftID, err := parseAccountID(id)
		if err != nil {
			return nil, err
		}
		nftIDs[i] = nftID
	}
	data, err := spendingABI.Pack("repayMultiple", c.issuer, nftIDs, wallets, amounts, refund)
	if err != nil {
		return nil, fmt.Errorf("chainclient: pack repayMultiple: %w", err)
	}
	return c.transact(ctx, txs, c.chain.LendingContract, data, total)
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.evm.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (c *Client) transact(ctx context.Context, txs TxSigner, to common.Address, data []byte, value *big.Int) (*gethtypes.Receipt, error) {
	if txs == nil {
		return nil, fmt.Errorf("chainclient: transaction signer required")
	}
	from := txs.Address()
	if value == nil {
		value = big.NewInt(0)
	}
	nonce, err := c.evm.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chainclient: pending nonce: %w", err)
	}
	gasPrice, err := c.evm.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainclient: gas price: %w", err)
	}
	gasLimit, err := c.evm.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("chainclient: estimate gas: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	chainID := new(big.Int).SetUint64(c.chain.NativeChainID)
	signed, err := txs.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("chainclient: sign transaction: %w", err)
	}
	if err := c.evm.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chainclient: send transaction: %w", err)
	}
	return c.waitMined(ctx, signed.Hash())
}

func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	deadline, cancel := context.WithTimeout(ctx, c.receiptMax)
	defer cancel()
	ticker := time.NewTicker(c.receiptEvery)
	defer ticker.Stop()
	for {
		receipt, err := c.evm.TransactionReceipt(deadline, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chainclient: fetch receipt: %w", err)
		}
		select {
		case <-deadline.Done():
			return nil, fmt.Errorf("chainclient: transaction %s still pending: %w", txHash.Hex(), deadline.Err())
		case <-ticker.C:
		}
	}
}

func parseAccountID(accountID string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(accountID, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("chainclient: invalid account id %q", accountID)
	}
	return v, nil
}
