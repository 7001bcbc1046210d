package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// NFTClient talks to the credit-account token contract on the admin chain.
type NFTClient struct {
	inner  *Client
	issuer common.Address
}

// NewNFTClient builds the client; the admin chain hosts the issuer contract.
func NewNFTClient(base *Client) *NFTClient {
	return &NFTClient{inner: base, issuer: base.issuer}
}

// TokensOf enumerates the credit-account token ids held by an owner.
func (n *NFTClient) TokensOf(ctx context.Context, owner common.Address) ([]string, error) {
	out, err := n.inner.call(ctx, n.issuer, coreNFTABI, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("chainclient: balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chainclient: balanceOf: unexpected result")
	}
	count := balance.Int64()
	ids := make([]string, 0, count)
	for i := int64(0); i < count; i++ {
		res, err := n.inner.call(ctx, n.issuer, coreNFTABI, "tokenOfOwnerByIndex", owner, big.NewInt(i))
		if err != nil {
			return nil, fmt.Errorf("chainclient: tokenOfOwnerByIndex(%d): %w", i, err)
		}
		tokenID, ok := res[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("chainclient: tokenOfOwnerByIndex(%d): unexpected result", i)
		}
		ids = append(ids, tokenID.String())
	}
	return ids, nil
}

// ChainList reads the LZ chain ids the issuer supports.
func (n *NFTClient) ChainList(ctx context.Context) ([]uint32, error) {
	out, err := n.inner.call(ctx, n.issuer, coreNFTABI, "getChainList")
	if err != nil {
		return nil, fmt.Errorf("chainclient: getChainList: %w", err)
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chainclient: getChainList: unexpected result")
	}
	chains := make([]uint32, 0, len(raw))
	for _, id := range raw {
		if !id.IsUint64() || id.Uint64() > 1<<32-1 {
			return nil, fmt.Errorf("chainclient: getChainList: id out of range: %s", id)
		}
		chains = append(chains, uint32(id.Uint64()))
	}
	return chains, nil
}

// Wallets lists the wallet references authorized to borrow against a token.
func (n *NFTClient) Wallets(ctx context.Context, accountID string) ([][32]byte, error) {
	nftID, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	out, err := n.inner.call(ctx, n.issuer, coreNFTABI, "getWallets", nftID)
	if err != nil {
		return nil, fmt.Errorf("chainclient: getWallets: %w", err)
	}
	refs, ok := out[0].([][32]byte)
	if !ok {
		return nil, fmt.Errorf("chainclient: getWallets: unexpected result")
	}
	return refs, nil
}

// LimitsConfig reads one wallet's per-chain limits, ordered as ChainList.
func (n *NFTClient) LimitsConfig(ctx context.Context, accountID string, wallet [32]byte) ([]*big.Int, error) {
	nftID, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	out, err := n.inner.call(ctx, n.issuer, coreNFTABI, "getLimitsConfig", nftID, wallet)
	if err != nil {
		return nil, fmt.Errorf("chainclient: getLimitsConfig: %w", err)
	}
	limits, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chainclient: getLimitsConfig: unexpected result")
	}
	return limits, nil
}

// AutogasConfig reads one wallet's per-chain autogas flags.
func (n *NFTClient) AutogasConfig(ctx context.Context, accountID string, wallet [32]byte) ([]bool, error) {
	nftID, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	out, err := n.inner.call(ctx, n.issuer, coreNFTABI, "getAutogasConfig", nftID, wallet)
	if err != nil {
		return nil, fmt.Errorf("chainclient: getAutogasConfig: %w", err)
	}
	flags, ok := out[0].([]bool)
	if !ok {
		return nil, fmt.Errorf("chainclient: getAutogasConfig: unexpected result")
	}
	return flags, nil
}

// SetHigherBulkLimits raises a wallet's limits across chains in one
// transaction. The contract only permits increases; lowering requires the
// issuer's timelocked path and is not exposed here.
func (n *NFTClient) SetHigherBulkLimits(ctx context.Context, txs TxSigner, accountID string, wallet [32]byte, chainIDs []uint32, limits []*big.Int, autogas []bool) (*gethtypes.Receipt, error) {
	if len(chainIDs) != len(limits) || len(limits) != len(autogas) {
		return nil, fmt.Errorf("chainclient: setHigherBulkLimits: mismatched argument lengths")
	}
	nftID, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	ids := make([]*big.Int, len(chainIDs))
	for i, id := range chainIDs {
		ids[i] = new(big.Int).SetUint64(uint64(id))
	}
	data, err := coreNFTABI.Pack("setHigherBulkLimits", nftID, wallet, ids, limits, autogas)
	if err != nil {
		return nil, fmt.Errorf("chainclient: pack setHigherBulkLimits: %w", err)
	}
	return n.inner.transact(ctx, txs, n.issuer, data, nil)
}
