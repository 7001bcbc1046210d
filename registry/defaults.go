package registry

import "github.com/ethereum/go-ethereum/common"

// Default returns the registry for the current testnet deployment. A TOML
// chain file replaces this wholesale when operators point the daemon at
// different contracts.
func Default() *Registry {
	issuer := common.HexToAddress("0x9C2e3e224F0f5BFaB7B3C454F0b4357d424EF030")
	chains := []Chain{
		{
			LZID:            40231,
			NativeChainID:   421614,
			Name:            "Arbitrum Sepolia",
			RPCURL:          "https://sepolia-rollup.arbitrum.io/rpc",
			LendingContract: common.HexToAddress("0x6eA21415e845c323a98d2D7cbFEf65A285080361"),
			DepositContract: common.HexToAddress("0xcE7B67932878B93a4bF0A6f1070F0a8e31B0b192"),
			WETH:            common.HexToAddress("0x980B62Da83eFf3D4576C647993b0c1D7faf17c73"),
			WstETH:          common.HexToAddress("0xDF4a87A5D6F0F2d7E2dA6aA4E2Ecf6a294b5a536"),
			Explorer:        "https://sepolia.arbiscan.io/",
		},
		{
			LZID:            40161,
			NativeChainID:   11155111,
			Name:            "Ethereum Sepolia",
			RPCURL:          "https://rpc.sepolia.org",
			LendingContract: common.HexToAddress("0xe06883A0caaFe865F23597AdEDC7af4cBEaBA7E2"),
			DepositContract: common.HexToAddress("0x8Ba0b0B46aE1066C3F0A6f1070F0a8e31B0b0192"),
			WETH:            common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"),
			WstETH:          common.HexToAddress("0xB82381A3fBD3FaFA77B3a7bE693342618240067b"),
			Explorer:        "https://sepolia.etherscan.io/",
		},
		{
			LZID:            40232,
			NativeChainID:   11155420,
			Name:            "Optimism Sepolia",
			RPCURL:          "https://sepolia.optimism.io",
			LendingContract: common.HexToAddress("0x269488db82d434dC2E08e3B6f428BD1FF90C4325"),
			DepositContract: common.HexToAddress("0x6A7bd1d5D1dA8Cf8cFe1dA8Cf8cFe111000b0001"),
			WETH:            common.HexToAddress("0x4200000000000000000000000000000000000006"),
			WstETH:          common.HexToAddress("0x24B5b6a2D8f3Bbca8b5b0D2fA7a9fA998b0A1e1c"),
			Explorer:        "https://sepolia-optimism.etherscan.io/",
		},
		{
			LZID:            40245,
			NativeChainID:   84532,
			Name:            "Base Sepolia",
			RPCURL:          "https://sepolia.base.org",
			LendingContract: common.HexToAddress("0x3bcd37Ea3bB69916F156CB0BC954309bc7B7b4AC"),
			DepositContract: common.HexToAddress("0xD1F1Fc828205B65290093939c279E21be59c8916"),
			WETH:            common.HexToAddress("0x4200000000000000000000000000000000000006"),
			WstETH:          common.HexToAddress("0x13e5FB0B6534BB22cBC59Fae339dbBE0Dc906871"),
			Explorer:        "https://sepolia.basescan.org/",
		},
	}
	reg, err := New(issuer, chains)
	if err != nil {
		panic("registry: invalid default chain table: " + err.Error())
	}
	return reg
}
