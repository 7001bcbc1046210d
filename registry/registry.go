package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownChain is returned when a lookup references a network the registry
// does not carry.
var ErrUnknownChain = errors.New("registry: unknown chain")

// Chain describes one supported network: the protocol-internal LZ identifier,
// the native EVM chain id, and the contract addresses deployed there.
type Chain struct {
	LZID            uint32
	NativeChainID   uint64
	Name            string
	RPCURL          string
	LendingContract common.Address
	DepositContract common.Address
	WETH            common.Address
	WstETH          common.Address
	Explorer        string
}

// Registry is an immutable lookup table over the supported chains.
type Registry struct {
	chains   []Chain
	byLZ     map[uint32]int
	byNative map[uint64]int
	issuer   common.Address
}

// chainFile mirrors the TOML override file layout.
type chainFile struct {
	IssuerNFT string       `toml:"issuer_nft"`
	Chains    []chainEntry `toml:"chains"`
}

type chainEntry struct {
	LZID            uint32 `toml:"lz_id"`
	NativeChainID   uint64 `toml:"native_chain_id"`
	Name            string `toml:"name"`
	RPCURL          string `toml:"rpc_url"`
	LendingContract string `toml:"lending_contract"`
	DepositContract string `toml:"deposit_contract"`
	WETH            string `toml:"weth"`
	WstETH          string `toml:"wsteth"`
	Explorer        string `toml:"explorer"`
}

// New builds a registry from the provided chains plus the credit-account NFT
// contract address (deployed on the admin chain, referenced in every borrow
// authorization).
func New(issuer common.Address, chains []Chain) (*Registry, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("registry: at least one chain required")
	}
	reg := &Registry{
		chains:   make([]Chain, len(chains)),
		byLZ:     make(map[uint32]int, len(chains)),
		byNative: make(map[uint64]int, len(chains)),
		issuer:   issuer,
	}
	copy(reg.chains, chains)
	for i, chain := range reg.chains {
		if chain.LZID == 0 || chain.NativeChainID == 0 {
			return nil, fmt.Errorf("registry: chain %q missing identifiers", chain.Name)
		}
		if _, dup := reg.byLZ[chain.LZID]; dup {
			return nil, fmt.Errorf("registry: duplicate lz id %d", chain.LZID)
		}
		if _, dup := reg.byNative[chain.NativeChainID]; dup {
			return nil, fmt.Errorf("registry: duplicate native chain id %d", chain.NativeChainID)
		}
		reg.byLZ[chain.LZID] = i
		reg.byNative[chain.NativeChainID] = i
	}
	return reg, nil
}

// Load decodes a TOML chain file and builds a registry from it.
func Load(path string) (*Registry, error) {
	var file chainFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", path, err)
	}
	issuer, err := parseAddress(file.IssuerNFT)
	if err != nil {
		return nil, fmt.Errorf("registry: issuer_nft: %w", err)
	}
	chains := make([]Chain, 0, len(file.Chains))
	for _, entry := range file.Chains {
		chain, err := entry.toChain()
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return New(issuer, chains)
}

func (e chainEntry) toChain() (Chain, error) {
	chain := Chain{
		LZID:          e.LZID,
		NativeChainID: e.NativeChainID,
		Name:          strings.TrimSpace(e.Name),
		RPCURL:        strings.TrimSpace(e.RPCURL),
		Explorer:      strings.TrimSpace(e.Explorer),
	}
	var err error
	if chain.LendingContract, err = parseAddress(e.LendingContract); err != nil {
		return Chain{}, fmt.Errorf("registry: chain %q lending_contract: %w", e.Name, err)
	}
	if chain.DepositContract, err = parseAddress(e.DepositContract); err != nil {
		return Chain{}, fmt.Errorf("registry: chain %q deposit_contract: %w", e.Name, err)
	}
	if chain.WETH, err = parseAddress(e.WETH); err != nil {
		return Chain{}, fmt.Errorf("registry: chain %q weth: %w", e.Name, err)
	}
	if chain.WstETH, err = parseAddress(e.WstETH); err != nil {
		return Chain{}, fmt.Errorf("registry: chain %q wsteth: %w", e.Name, err)
	}
	return chain, nil
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// IssuerNFT returns the credit-account token contract address.
func (r *Registry) IssuerNFT() common.Address {
	return r.issuer
}

// Chains returns a copy of every registered chain in declaration order.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, len(r.chains))
	copy(out, r.chains)
	return out
}

// ByLZ resolves a chain by its protocol-internal identifier.
func (r *Registry) ByLZ(lzID uint32) (Chain, error) {
	idx, ok := r.byLZ[lzID]
	if !ok {
		return Chain{}, fmt.Errorf("%w: lz id %d", ErrUnknownChain, lzID)
	}
	return r.chains[idx], nil
}

// ByNative resolves a chain by its native EVM chain id.
func (r *Registry) ByNative(chainID uint64) (Chain, error) {
	idx, ok := r.byNative[chainID]
	if !ok {
		return Chain{}, fmt.Errorf("%w: chain id %d", ErrUnknownChain, chainID)
	}
	return r.chains[idx], nil
}

// LZID maps a native chain id to the protocol identifier, returning zero for
// unsupported chains.
func (r *Registry) LZID(chainID uint64) uint32 {
	if idx, ok := r.byNative[chainID]; ok {
		return r.chains[idx].LZID
	}
	return 0
}

// Supported reports whether the native chain id belongs to a registered chain.
func (r *Registry) Supported(chainID uint64) bool {
	_, ok := r.byNative[chainID]
	return ok
}

// ExplorerTxURL builds the explorer link for a transaction hash on the given
// chain. Empty when the chain is unknown or carries no explorer.
func (r *Registry) ExplorerTxURL(lzID uint32, txHash string) string {
	chain, err := r.ByLZ(lzID)
	if err != nil || chain.Explorer == "" {
		return ""
	}
	base := chain.Explorer
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "tx/" + txHash
}
