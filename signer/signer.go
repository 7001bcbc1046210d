// Package signer builds and signs the typed-data payload authorizing a
// cross-chain borrow. The payload is domain-separated by contract name,
// version, native chain id, and verifying contract, so a signature can never
// be replayed against another network or contract instance.
package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"crosscredit/registry"
)

const (
	// DomainName and DomainVersion identify the spending contract's EIP-712
	// domain.
	DomainName    = "SmokeSpendingContract"
	DomainVersion = "1"

	// ValidityDirect is the signature window for server-co-signed direct
	// submissions; ValidityGasless is the longer window the relay accepts.
	ValidityDirect  = 120 * time.Second
	ValidityGasless = 1200 * time.Second
)

// ErrUserDeclined marks a signing request the wallet holder rejected. It is
// surfaced as its own condition and never retried automatically.
var ErrUserDeclined = errors.New("signer: user declined signing request")

// Wallet abstracts the connected wallet: an address and the ability to sign
// a 32-byte typed-data digest. Implementations return ErrUserDeclined
// (possibly wrapped) when the holder rejects the prompt.
type Wallet interface {
	Address() common.Address
	SignTypedHash(ctx context.Context, digest [32]byte) ([]byte, error)
}

// BorrowTerms are the inputs bound into one authorization.
type BorrowTerms struct {
	AccountID string
	Amount    *big.Int
	Nonce     uint64
	LZID      uint32
	Recipient common.Address // zero value defaults to the borrower
	Validity  time.Duration  // zero value defaults to ValidityGasless
}

// SignedBorrowRequest is the exact payload the contract will verify, plus
// the signature over it. Consumed exactly once; a failed attempt requires a
// fresh request with a fresh nonce and timestamp.
type SignedBorrowRequest struct {
	Borrower          common.Address
	IssuerNFT         common.Address
	AccountID         string
	Amount            *big.Int
	Timestamp         uint64
	SignatureValidity uint64
	Nonce             uint64
	Recipient         common.Address
	NativeChainID     uint64
	LZID              uint32
	Signature         []byte
}

// Signer produces borrow authorizations for one wallet against the
// registry's deployment.
type Signer struct {
	wallet Wallet
	reg    *registry.Registry
	nowFn  func() time.Time
}

// New constructs a Signer.
func New(wallet Wallet, reg *registry.Registry) *Signer {
	return &Signer{wallet: wallet, reg: reg, nowFn: time.Now}
}

// BuildAndSign assembles the typed-data payload for the given terms and asks
// the wallet for a signature. The returned request carries every field used
// in the digest so callers can submit them verbatim.
func (s *Signer) BuildAndSign(ctx context.Context, terms BorrowTerms) (*SignedBorrowRequest, error) {
	if terms.AccountID == "" {
		return nil, fmt.Errorf("signer: account id required")
	}
	if terms.Amount == nil || terms.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("signer: positive amount required")
	}
	chain, err := s.reg.ByLZ(terms.LZID)
	if err != nil {
		return nil, fmt.Errorf("signer: resolve chain: %w", err)
	}
	accountID, ok := new(big.Int).SetString(terms.AccountID, 10)
	if !ok {
		return nil, fmt.Errorf("signer: invalid account id %q", terms.AccountID)
	}

	recipient := terms.Recipient
	if recipient == (common.Address{}) {
		recipient = s.wallet.Address()
	}
	validity := terms.Validity
	if validity <= 0 {
		validity = ValidityGasless
	}

	req := &SignedBorrowRequest{
		Borrower:          s.wallet.Address(),
		IssuerNFT:         s.reg.IssuerNFT(),
		AccountID:         terms.AccountID,
		Amount:            new(big.Int).Set(terms.Amount),
		Timestamp:         uint64(s.nowFn().Unix()),
		SignatureValidity: uint64(validity / time.Second),
		Nonce:             terms.Nonce,
		Recipient:         recipient,
		NativeChainID:     chain.NativeChainID,
		LZID:              terms.LZID,
	}

	typed := typedData(req, accountID, chain.LendingContract)
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("signer: hash typed data: %w", err)
	}
	var digest32 [32]byte
	copy(digest32[:], digest)

	sig, err := s.wallet.SignTypedHash(ctx, digest32)
	if err != nil {
		if errors.Is(err, ErrUserDeclined) {
			return nil, err
		}
		return nil, fmt.Errorf("signer: wallet signing failed: %w", err)
	}
	req.Signature = sig
	return req, nil
}

func typedData(req *SignedBorrowRequest, accountID *big.Int, verifying common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Borrow": []apitypes.Type{
				{Name: "borrower", Type: "address"},
				{Name: "issuerNFT", Type: "address"},
				{Name: "nftId", Type: "uint256"},
				{Name: "amount", Type: "uint256"},
				{Name: "timestamp", Type: "uint256"},
				{Name: "signatureValidity", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "recipient", Type: "address"},
			},
		},
		PrimaryType: "Borrow",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(req.NativeChainID)),
			VerifyingContract: verifying.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"borrower":          req.Borrower.Hex(),
			"issuerNFT":         req.IssuerNFT.Hex(),
			"nftId":             (*math.HexOrDecimal256)(accountID),
			"amount":            (*math.HexOrDecimal256)(req.Amount),
			"timestamp":         (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Timestamp)),
			"signatureValidity": (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.SignatureValidity)),
			"nonce":             (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Nonce)),
			"recipient":         req.Recipient.Hex(),
		},
	}
}

// Digest recomputes the typed-data digest for a signed request, used by
// tests and by callers wishing to verify a signature locally.
func Digest(req *SignedBorrowRequest, reg *registry.Registry) ([32]byte, error) {
	var out [32]byte
	chain, err := reg.ByLZ(req.LZID)
	if err != nil {
		return out, err
	}
	accountID, ok := new(big.Int).SetString(req.AccountID, 10)
	if !ok {
		return out, fmt.Errorf("signer: invalid account id %q", req.AccountID)
	}
	digest, _, err := apitypes.TypedDataAndHash(typedData(req, accountID, chain.LendingContract))
	if err != nil {
		return out, err
	}
	copy(out[:], digest)
	return out, nil
}
