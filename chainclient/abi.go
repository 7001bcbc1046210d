package chainclient

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Each external contract is a statically declared, named operation set with
// fixed parameter types, parsed once at init. No runtime ABI construction.
const spendingABIJSON = `[
  {"type":"function","name":"getCurrentNonce","stateMutability":"view",
   "inputs":[{"name":"issuerNFT","type":"address"},{"name":"nftId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"borrow","stateMutability":"nonpayable",
   "inputs":[
     {"name":"issuerNFT","type":"address"},
     {"name":"nftId","type":"uint256"},
     {"name":"amount","type":"uint256"},
     {"name":"timestamp","type":"uint256"},
     {"name":"signatureValidity","type":"uint256"},
     {"name":"nonce","type":"uint256"},
     {"name":"recipient","type":"address"},
     {"name":"weth","type":"bool"},
     {"name":"signature","type":"bytes"},
     {"name":"integrator","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"repay","stateMutability":"payable",
   "inputs":[
     {"name":"issuerNFT","type":"address"},
     {"name":"nftId","type":"uint256"},
     {"name":"wallet","type":"bytes32"},
     {"name":"refundAddress","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"repayMultiple","stateMutability":"payable",
   "inputs":[
     {"name":"issuerNFT","type":"address"},
     {"name":"nftIds","type":"uint256[]"},
     {"name":"wallets","type":"bytes32[]"},
     {"name":"amounts","type":"uint256[]"},
     {"name":"refundAddress","type":"address"}],
   "outputs":[]}
]`

const coreNFTABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getChainList","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getWallets","stateMutability":"view",
   "inputs":[{"name":"nftId","type":"uint256"}],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getLimitsConfig","stateMutability":"view",
   "inputs":[{"name":"nftId","type":"uint256"},{"name":"wallet","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getAutogasConfig","stateMutability":"view",
   "inputs":[{"name":"nftId","type":"uint256"},{"name":"wallet","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool[]"}]},
  {"type":"function","name":"setHigherBulkLimits","stateMutability":"nonpayable",
   "inputs":[
     {"name":"nftId","type":"uint256"},
     {"name":"wallet","type":"bytes32"},
     {"name":"chainIds","type":"uint256[]"},
     {"name":"newLimits","type":"uint256[]"},
     {"name":"autogas","type":"bool[]"}],
   "outputs":[]}
]`

var (
	spendingABI abi.ABI
	coreNFTABI  abi.ABI
)

func init() {
	var err error
	if spendingABI, err = abi.JSON(strings.NewReader(spendingABIJSON)); err != nil {
		panic("chainclient: parse spending abi: " + err.Error())
	}
	if coreNFTABI, err = abi.JSON(strings.NewReader(coreNFTABIJSON)); err != nil {
		panic("chainclient: parse core nft abi: " + err.Error())
	}
}

// AddressToBytes32 left-pads an address into the 32-byte wallet reference the
// NFT contract stores.
func AddressToBytes32(addr common.Address) [32]byte {
	var out [32]byte
	copy(out[12:], addr.Bytes())
	return out
}

// Bytes32ToAddress recovers an address from a 32-byte wallet reference.
func Bytes32ToAddress(ref [32]byte) common.Address {
	return common.BytesToAddress(ref[12:])
}

// ParseWalletRef decodes a hex bytes32 string into a wallet reference.
func ParseWalletRef(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != 64 {
		return out, fmt.Errorf("chainclient: invalid wallet ref %q", raw)
	}
	decoded := common.FromHex("0x" + trimmed)
	if len(decoded) != 32 {
		return out, fmt.Errorf("chainclient: invalid wallet ref %q", raw)
	}
	copy(out[:], decoded)
	return out, nil
}
