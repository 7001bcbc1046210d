package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaultLookups(t *testing.T) {
	reg := Default()

	chain, err := reg.ByLZ(40231)
	if err != nil {
		t.Fatalf("lookup by lz id: %v", err)
	}
	if chain.NativeChainID != 421614 {
		t.Fatalf("expected arbitrum sepolia, got chain id %d", chain.NativeChainID)
	}

	if got := reg.LZID(84532); got != 40245 {
		t.Fatalf("expected lz id 40245 for base sepolia, got %d", got)
	}
	if reg.LZID(1) != 0 {
		t.Fatalf("expected zero lz id for unsupported chain")
	}
	if reg.Supported(1) {
		t.Fatalf("mainnet must not be supported by the testnet table")
	}

	if _, err := reg.ByNative(5); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestExplorerTxURL(t *testing.T) {
	reg := Default()
	url := reg.ExplorerTxURL(40161, "0xabc")
	if url != "https://sepolia.etherscan.io/tx/0xabc" {
		t.Fatalf("unexpected explorer url %q", url)
	}
	if reg.ExplorerTxURL(999, "0xabc") != "" {
		t.Fatalf("unknown chain must yield empty explorer url")
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	issuer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chains := []Chain{
		{LZID: 1, NativeChainID: 10, Name: "a"},
		{LZID: 1, NativeChainID: 11, Name: "b"},
	}
	if _, err := New(issuer, chains); err == nil {
		t.Fatalf("expected duplicate lz id to be rejected")
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.toml")
	doc := `
issuer_nft = "0x9C2e3e224F0f5BFaB7B3C454F0b4357d424EF030"

[[chains]]
lz_id = 40231
native_chain_id = 421614
name = "Arbitrum Sepolia"
rpc_url = "http://localhost:8545"
lending_contract = "0x6eA21415e845c323a98d2D7cbFEf65A285080361"
deposit_contract = "0xcE7B67932878B93a4bF0A6f1070F0a8e31B0b192"
weth = "0x980B62Da83eFf3D4576C647993b0c1D7faf17c73"
wsteth = "0xDF4a87A5D6F0F2d7E2dA6aA4E2Ecf6a294b5a536"
explorer = "https://sepolia.arbiscan.io/"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write chain file: %v", err)
	}
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load chain file: %v", err)
	}
	chain, err := reg.ByNative(421614)
	if err != nil {
		t.Fatalf("lookup loaded chain: %v", err)
	}
	if chain.LZID != 40231 {
		t.Fatalf("unexpected lz id %d", chain.LZID)
	}
	if reg.IssuerNFT() != common.HexToAddress("0x9C2e3e224F0f5BFaB7B3C454F0b4357d424EF030") {
		t.Fatalf("issuer address mismatch")
	}
}

func TestLoadRejectsBadAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.toml")
	doc := `
issuer_nft = "not-an-address"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write chain file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid issuer address to fail")
	}
}
