package snapshot

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// DepositRecord is one collateral or borrow entry on a single chain. Amounts
// are wei-scale integers carried as decimal strings on the wire.
type DepositRecord struct {
	ChainID uint32
	Amount  *big.Int
}

type depositWire struct {
	ChainID string `json:"chainId"`
	Amount  string `json:"amount"`
}

func (d DepositRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(depositWire{
		ChainID: strconv.FormatUint(uint64(d.ChainID), 10),
		Amount:  amountString(d.Amount),
	})
}

func (d *DepositRecord) UnmarshalJSON(data []byte) error {
	var wire depositWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	chainID, err := parseChainID(wire.ChainID)
	if err != nil {
		return err
	}
	amount, err := parseAmount(wire.Amount)
	if err != nil {
		return fmt.Errorf("snapshot: deposit amount: %w", err)
	}
	d.ChainID = chainID
	d.Amount = amount
	return nil
}

// WalletPositions groups the per-chain borrow positions of one authorized
// wallet.
type WalletPositions struct {
	WalletAddress string          `json:"walletAddress"`
	Positions     []DepositRecord `json:"borrowPositions"`
}

// CreditAccount is the indexer's snapshot of one credit-account token. It is
// replaced wholesale on every refresh; no field is mutated in place.
type CreditAccount struct {
	ID              string
	Owned           bool
	WETHDeposits    []DepositRecord
	WstETHDeposits  []DepositRecord
	BorrowPositions []WalletPositions
	TotalBorrowed   *big.Int
	ChainLimits     map[uint32]*big.Int
	NativeCredit    *big.Int
}

type accountWire struct {
	ID              string            `json:"id"`
	Owner           bool              `json:"owner"`
	WETHDeposits    []DepositRecord   `json:"wethDeposits"`
	WstETHDeposits  []DepositRecord   `json:"wstEthDeposits"`
	BorrowPositions []WalletPositions `json:"borrowPositions"`
	TotalBorrowed   string            `json:"totalBorrowPosition"`
	ChainLimits     map[string]string `json:"chainLimits"`
	NativeCredit    string            `json:"nativeCredit"`
}

func (a CreditAccount) MarshalJSON() ([]byte, error) {
	wire := accountWire{
		ID:              a.ID,
		Owner:           a.Owned,
		WETHDeposits:    a.WETHDeposits,
		WstETHDeposits:  a.WstETHDeposits,
		BorrowPositions: a.BorrowPositions,
		TotalBorrowed:   amountString(a.TotalBorrowed),
		NativeCredit:    amountString(a.NativeCredit),
	}
	if len(a.ChainLimits) > 0 {
		wire.ChainLimits = make(map[string]string, len(a.ChainLimits))
		for chainID, limit := range a.ChainLimits {
			wire.ChainLimits[strconv.FormatUint(uint64(chainID), 10)] = amountString(limit)
		}
	}
	return json.Marshal(wire)
}

func (a *CreditAccount) UnmarshalJSON(data []byte) error {
	var wire accountWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	total, err := parseAmount(wire.TotalBorrowed)
	if err != nil {
		return fmt.Errorf("snapshot: totalBorrowPosition: %w", err)
	}
	native, err := parseAmount(wire.NativeCredit)
	if err != nil {
		return fmt.Errorf("snapshot: nativeCredit: %w", err)
	}
	limits := make(map[uint32]*big.Int, len(wire.ChainLimits))
	for key, value := range wire.ChainLimits {
		chainID, err := parseChainID(key)
		if err != nil {
			return err
		}
		limit, err := parseAmount(value)
		if err != nil {
			return fmt.Errorf("snapshot: chain limit %s: %w", key, err)
		}
		limits[chainID] = limit
	}
	a.ID = wire.ID
	a.Owned = wire.Owner
	a.WETHDeposits = wire.WETHDeposits
	a.WstETHDeposits = wire.WstETHDeposits
	a.BorrowPositions = wire.BorrowPositions
	a.TotalBorrowed = total
	a.NativeCredit = native
	a.ChainLimits = limits
	return nil
}

// Blank builds the placeholder account used when a freshly minted token is
// observed on-chain before the indexer has seen it.
func Blank(id string) CreditAccount {
	return CreditAccount{
		ID:            id,
		Owned:         true,
		TotalBorrowed: big.NewInt(0),
		NativeCredit:  big.NewInt(0),
		ChainLimits:   map[uint32]*big.Int{},
	}
}

// Clone returns a deep copy; callers hand copies to subscribers so the
// canonical state is never aliased.
func (a CreditAccount) Clone() CreditAccount {
	out := CreditAccount{
		ID:            a.ID,
		Owned:         a.Owned,
		TotalBorrowed: cloneAmount(a.TotalBorrowed),
		NativeCredit:  cloneAmount(a.NativeCredit),
	}
	out.WETHDeposits = cloneDeposits(a.WETHDeposits)
	out.WstETHDeposits = cloneDeposits(a.WstETHDeposits)
	if a.BorrowPositions != nil {
		out.BorrowPositions = make([]WalletPositions, len(a.BorrowPositions))
		for i, wp := range a.BorrowPositions {
			out.BorrowPositions[i] = WalletPositions{
				WalletAddress: wp.WalletAddress,
				Positions:     cloneDeposits(wp.Positions),
			}
		}
	}
	if a.ChainLimits != nil {
		out.ChainLimits = make(map[uint32]*big.Int, len(a.ChainLimits))
		for chainID, limit := range a.ChainLimits {
			out.ChainLimits[chainID] = cloneAmount(limit)
		}
	}
	return out
}

// CloneAll deep-copies an account list.
func CloneAll(accounts []CreditAccount) []CreditAccount {
	if accounts == nil {
		return nil
	}
	out := make([]CreditAccount, len(accounts))
	for i, account := range accounts {
		out[i] = account.Clone()
	}
	return out
}

// WalletPosition returns the borrow amount of the given wallet on the given
// chain, zero when untracked.
func (a CreditAccount) WalletPosition(wallet string, chainID uint32) *big.Int {
	for _, wp := range a.BorrowPositions {
		if !strings.EqualFold(wp.WalletAddress, wallet) {
			continue
		}
		for _, pos := range wp.Positions {
			if pos.ChainID == chainID {
				return cloneAmount(pos.Amount)
			}
		}
	}
	return big.NewInt(0)
}

func cloneDeposits(records []DepositRecord) []DepositRecord {
	if records == nil {
		return nil
	}
	out := make([]DepositRecord, len(records))
	for i, rec := range records {
		out[i] = DepositRecord{ChainID: rec.ChainID, Amount: cloneAmount(rec.Amount)}
	}
	return out
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

func parseChainID(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("snapshot: invalid chain id %q", raw)
	}
	return uint32(v), nil
}

