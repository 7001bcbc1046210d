package ledger

import (
	"errors"
	"math/big"
	"testing"

	"crosscredit/snapshot"
)

func eth(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("bad test constant " + value)
	}
	return v
}

func TestTotalDepositsScenario(t *testing.T) {
	// 1.0 ETH native + 0.5 wstETH at ratio 1.1e18 = 1.55 ETH.
	weth := []snapshot.DepositRecord{{ChainID: 40231, Amount: eth("1000000000000000000")}}
	wst := []snapshot.DepositRecord{{ChainID: 40161, Amount: eth("500000000000000000")}}
	ratio := PriceRatio{WstEthToEth: eth("1100000000000000000")}

	total, err := TotalDepositsInEth(weth, wst, ratio)
	if err != nil {
		t.Fatalf("total deposits: %v", err)
	}
	if total.Cmp(eth("1550000000000000000")) != 0 {
		t.Fatalf("expected 1.55 ETH, got %s", total)
	}

	available := AvailableCredit(total, big.NewInt(0), big.NewInt(0), DefaultLTVBps)
	if available.Cmp(eth("1395000000000000000")) != 0 {
		t.Fatalf("expected 1.395 ETH available, got %s", available)
	}
}

func TestTotalDepositsLinear(t *testing.T) {
	weth := []snapshot.DepositRecord{
		{ChainID: 40231, Amount: eth("3000000000000000000")},
		{ChainID: 40161, Amount: eth("1000000000000000000")},
	}
	wst := []snapshot.DepositRecord{{ChainID: 40245, Amount: eth("2000000000000000000")}}
	ratio := PriceRatio{WstEthToEth: eth("1200000000000000000")}

	base, err := TotalDepositsInEth(weth, wst, ratio)
	if err != nil {
		t.Fatalf("base deposits: %v", err)
	}

	doubledWeth := make([]snapshot.DepositRecord, len(weth))
	for i, rec := range weth {
		doubledWeth[i] = snapshot.DepositRecord{ChainID: rec.ChainID, Amount: new(big.Int).Lsh(rec.Amount, 1)}
	}
	doubledWst := make([]snapshot.DepositRecord, len(wst))
	for i, rec := range wst {
		doubledWst[i] = snapshot.DepositRecord{ChainID: rec.ChainID, Amount: new(big.Int).Lsh(rec.Amount, 1)}
	}
	doubled, err := TotalDepositsInEth(doubledWeth, doubledWst, ratio)
	if err != nil {
		t.Fatalf("doubled deposits: %v", err)
	}
	if doubled.Cmp(new(big.Int).Lsh(base, 1)) != 0 {
		t.Fatalf("doubling deposits should double the total: base %s doubled %s", base, doubled)
	}
}

func TestTotalDepositsMissingRatio(t *testing.T) {
	wst := []snapshot.DepositRecord{{ChainID: 40161, Amount: eth("1")}}
	if _, err := TotalDepositsInEth(nil, wst, PriceRatio{}); !errors.Is(err, ErrRatioUnavailable) {
		t.Fatalf("expected ErrRatioUnavailable, got %v", err)
	}
	// Without wstETH deposits the ratio is not consulted at all.
	total, err := TotalDepositsInEth([]snapshot.DepositRecord{{ChainID: 40231, Amount: eth("5")}}, nil, PriceRatio{})
	if err != nil {
		t.Fatalf("native-only deposits should not need the ratio: %v", err)
	}
	if total.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("unexpected native-only total %s", total)
	}
}

func TestAvailableCreditProperties(t *testing.T) {
	if got := AvailableCredit(big.NewInt(0), big.NewInt(0), big.NewInt(0), DefaultLTVBps); got.Sign() != 0 {
		t.Fatalf("all-zero inputs must yield zero, got %s", got)
	}

	base := AvailableCredit(eth("1000000"), big.NewInt(0), big.NewInt(0), DefaultLTVBps)
	borrowed := AvailableCredit(eth("1000000"), big.NewInt(0), big.NewInt(777), DefaultLTVBps)
	diff := new(big.Int).Sub(base, borrowed)
	if diff.Cmp(big.NewInt(777)) != 0 {
		t.Fatalf("borrowing must decrease availability by exactly the amount, diff %s", diff)
	}

	// nativeCredit is never haircut.
	withCredit := AvailableCredit(big.NewInt(0), big.NewInt(1000), big.NewInt(0), DefaultLTVBps)
	if withCredit.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("native credit must pass through without the LTV haircut, got %s", withCredit)
	}

	// Over-levered accounts surface a signed negative value.
	negative := AvailableCredit(big.NewInt(0), big.NewInt(0), big.NewInt(10), DefaultLTVBps)
	if negative.Cmp(big.NewInt(-10)) != 0 {
		t.Fatalf("expected -10, got %s", negative)
	}
}

func TestChainWithdrawCeilingClamp(t *testing.T) {
	global := big.NewInt(1000)
	// Chain limit far above global availability: global wins.
	if got := ChainWithdrawCeiling(big.NewInt(1_000_000), big.NewInt(0), global); got.Cmp(global) != 0 {
		t.Fatalf("ceiling must not exceed global available, got %s", got)
	}
	// Chain headroom below global: headroom wins.
	if got := ChainWithdrawCeiling(big.NewInt(500), big.NewInt(200), global); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected chain headroom 300, got %s", got)
	}
	// Chain already over its limit: zero headroom.
	if got := ChainWithdrawCeiling(big.NewInt(100), big.NewInt(150), global); got.Sign() != 0 {
		t.Fatalf("over-limit chain must have zero headroom, got %s", got)
	}
}

func TestToUsd(t *testing.T) {
	ratio := PriceRatio{EthUsd: eth("2500000000000000000000")} // 2500 USD/ETH
	usd, err := ToUsd(eth("2000000000000000000"), ratio)
	if err != nil {
		t.Fatalf("to usd: %v", err)
	}
	if usd.Cmp(eth("5000000000000000000000")) != 0 {
		t.Fatalf("expected 5000 USD, got %s", usd)
	}
	if _, err := ToUsd(eth("1"), PriceRatio{}); !errors.Is(err, ErrRatioUnavailable) {
		t.Fatalf("zero price must be reported as unavailable, got %v", err)
	}
}

func TestComputeAccountCredit(t *testing.T) {
	account := snapshot.CreditAccount{
		ID:            "1",
		Owned:         true,
		WETHDeposits:  []snapshot.DepositRecord{{ChainID: 40231, Amount: eth("1000000000000000000")}},
		TotalBorrowed: eth("100000000000000000"),
		NativeCredit:  big.NewInt(0),
		ChainLimits: map[uint32]*big.Int{
			40231: eth("10000000000000000000"),
			40161: eth("200000000000000000"),
		},
		BorrowPositions: []snapshot.WalletPositions{{
			WalletAddress: "0xabc",
			Positions:     []snapshot.DepositRecord{{ChainID: 40161, Amount: eth("50000000000000000")}},
		}},
	}
	credit, err := ComputeAccountCredit(account, "0xabc", PriceRatio{}, DefaultLTVBps)
	if err != nil {
		t.Fatalf("compute credit: %v", err)
	}
	// 1.0 ETH * 90% - 0.1 ETH borrowed = 0.8 ETH available.
	if credit.Available.Cmp(eth("800000000000000000")) != 0 {
		t.Fatalf("expected 0.8 ETH available, got %s", credit.Available)
	}
	// Chain 40231's limit exceeds global availability, so available caps it.
	if credit.ChainCeilings[40231].Cmp(credit.Available) != 0 {
		t.Fatalf("chain 40231 ceiling should equal global available, got %s", credit.ChainCeilings[40231])
	}
	// Chain 40161: 0.2 limit - 0.05 wallet position = 0.15 ETH.
	if credit.ChainCeilings[40161].Cmp(eth("150000000000000000")) != 0 {
		t.Fatalf("expected 0.15 ETH ceiling on 40161, got %s", credit.ChainCeilings[40161])
	}
}
