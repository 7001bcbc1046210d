// Package ledger holds the credit arithmetic: aggregate deposits, available
// credit, and per-chain withdrawal ceilings. Everything is integer wei-scale
// fixed-point math on big.Int; nothing here performs I/O or owns state.
package ledger

import (
	"errors"
	"math/big"

	"crosscredit/snapshot"
)

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000") // 1e18

	// ErrRatioUnavailable signals that the oracle ratio needed for a
	// computation has not loaded yet. Callers show a loading state instead
	// of a misleading zero.
	ErrRatioUnavailable = errors.New("ledger: oracle ratio unavailable")
)

// DefaultLTVBps is the protocol loan-to-value haircut applied to
// deposit-derived collateral.
const DefaultLTVBps uint32 = 9000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// PriceRatio carries the oracle outputs the ledger consumes: the ETH/USD
// price and the wstETH→ETH conversion ratio, both 1e18 fixed-point.
type PriceRatio struct {
	EthUsd      *big.Int
	WstEthToEth *big.Int
}

// Valid reports whether the ratio is usable for wstETH conversion.
func (r PriceRatio) Valid() bool {
	return r.WstEthToEth != nil && r.WstEthToEth.Sign() > 0
}

// TotalDepositsInEth sums native-class deposits directly and converts
// wrapped-staked deposits through the oracle ratio. The ratio is only
// required when wstETH deposits exist.
func TotalDepositsInEth(wethDeposits, wstEthDeposits []snapshot.DepositRecord, ratio PriceRatio) (*big.Int, error) {
	total := big.NewInt(0)
	for _, rec := range wethDeposits {
		if rec.Amount == nil {
			continue
		}
		total.Add(total, rec.Amount)
	}
	wstEthTotal := big.NewInt(0)
	for _, rec := range wstEthDeposits {
		if rec.Amount == nil {
			continue
		}
		wstEthTotal.Add(wstEthTotal, rec.Amount)
	}
	if wstEthTotal.Sign() == 0 {
		return total, nil
	}
	if !ratio.Valid() {
		return nil, ErrRatioUnavailable
	}
	converted := new(big.Int).Mul(wstEthTotal, ratio.WstEthToEth)
	converted.Quo(converted, wad)
	return total.Add(total, converted), nil
}

// AvailableCredit computes (deposits*ltv/10000) + nativeCredit - borrowed.
// The LTV haircut applies only to deposit-derived collateral; nativeCredit is
// a fixed allowance on top. The result is signed: an over-levered account
// yields a negative figure and callers decide how to floor it for display.
func AvailableCredit(totalDepositsEth, nativeCredit, totalBorrowed *big.Int, ltvBps uint32) *big.Int {
	available := big.NewInt(0)
	if totalDepositsEth != nil {
		available.Mul(totalDepositsEth, big.NewInt(int64(ltvBps)))
		available.Quo(available, basisPoints)
	}
	if nativeCredit != nil {
		available.Add(available, nativeCredit)
	}
	if totalBorrowed != nil {
		available.Sub(available, totalBorrowed)
	}
	return available
}

// ChainWithdrawCeiling bounds a withdrawal on one chain: the owner-set chain
// limit minus what is already borrowed there, capped by the account's global
// available credit. The per-chain limit is a cap, not an entitlement.
func ChainWithdrawCeiling(chainLimit, chainBorrowed, globalAvailable *big.Int) *big.Int {
	headroom := big.NewInt(0)
	if chainLimit != nil {
		headroom.Set(chainLimit)
	}
	if chainBorrowed != nil {
		headroom.Sub(headroom, chainBorrowed)
	}
	if headroom.Sign() < 0 {
		headroom.SetInt64(0)
	}
	if globalAvailable == nil {
		return headroom
	}
	if headroom.Cmp(globalAvailable) > 0 {
		return new(big.Int).Set(globalAvailable)
	}
	return headroom
}

// ToUsd converts a wei-scale ETH amount to a wei-scale USD figure using the
// 1e18 fixed-point ETH/USD price. Display conversion only; authorization
// amounts always stay in the target chain's native asset.
func ToUsd(amountEth *big.Int, ratio PriceRatio) (*big.Int, error) {
	if ratio.EthUsd == nil || ratio.EthUsd.Sign() <= 0 {
		return nil, ErrRatioUnavailable
	}
	if amountEth == nil {
		return big.NewInt(0), nil
	}
	out := new(big.Int).Mul(amountEth, ratio.EthUsd)
	out.Quo(out, wad)
	return out, nil
}

// AccountCredit bundles the figures derived from one account snapshot.
type AccountCredit struct {
	TotalDepositsEth *big.Int
	TotalBorrowed    *big.Int
	Available        *big.Int
	ChainCeilings    map[uint32]*big.Int
}

// ComputeAccountCredit derives the full credit view for one account and one
// borrowing wallet: global availability plus the withdrawal ceiling on every
// chain the owner configured a limit for.
func ComputeAccountCredit(account snapshot.CreditAccount, wallet string, ratio PriceRatio, ltvBps uint32) (AccountCredit, error) {
	deposits, err := TotalDepositsInEth(account.WETHDeposits, account.WstETHDeposits, ratio)
	if err != nil {
		return AccountCredit{}, err
	}
	borrowed := big.NewInt(0)
	if account.TotalBorrowed != nil {
		borrowed.Set(account.TotalBorrowed)
	}
	available := AvailableCredit(deposits, account.NativeCredit, borrowed, ltvBps)
	ceilings := make(map[uint32]*big.Int, len(account.ChainLimits))
	for chainID, limit := range account.ChainLimits {
		ceilings[chainID] = ChainWithdrawCeiling(limit, account.WalletPosition(wallet, chainID), available)
	}
	return AccountCredit{
		TotalDepositsEth: deposits,
		TotalBorrowed:    borrowed,
		Available:        available,
		ChainCeilings:    ceilings,
	}, nil
}
