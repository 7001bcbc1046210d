package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EnvWallet signs with a secp256k1 key sourced from an environment variable.
// It is the headless stand-in for an interactively connected wallet.
type EnvWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewEnvWallet loads hex key material from the named environment variable.
func NewEnvWallet(varName string) (*EnvWallet, error) {
	material := strings.TrimSpace(os.Getenv(varName))
	if material == "" {
		return nil, fmt.Errorf("signer: environment variable %s not set", varName)
	}
	return NewHexWallet(material)
}

// NewHexWallet builds a wallet from a hex-encoded private key.
func NewHexWallet(hexKey string) (*EnvWallet, error) {
	material := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	decoded, err := hex.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("signer: decode private key material: %w", err)
	}
	key, err := ethcrypto.ToECDSA(decoded)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid private key material: %w", err)
	}
	return &EnvWallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the wallet's EVM address.
func (w *EnvWallet) Address() common.Address {
	if w == nil {
		return common.Address{}
	}
	return w.address
}

// SignTypedHash signs a typed-data digest, returning the 65-byte signature
// with the recovery id offset to 27 as on-chain verifiers expect.
func (w *EnvWallet) SignTypedHash(ctx context.Context, digest [32]byte) ([]byte, error) {
	if w == nil || w.key == nil {
		return nil, fmt.Errorf("signer: wallet not configured")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	sig, err := ethcrypto.Sign(digest[:], w.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignTx signs a raw transaction for the direct on-chain execution path.
func (w *EnvWallet) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if w == nil || w.key == nil {
		return nil, fmt.Errorf("signer: wallet not configured")
	}
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), w.key)
}
