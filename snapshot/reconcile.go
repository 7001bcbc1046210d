package snapshot

import "math/big"

// Merge combines a freshly fetched account list with the locally held one.
// Accounts are keyed by id. When both lists carry an id, the incoming record
// wins only when it is an owner view, so a read-only fetch never overwrites
// richer owner data obtained earlier. Neither input is mutated; existing ids
// keep their order, new ids follow in incoming order.
func Merge(existing, incoming []CreditAccount) []CreditAccount {
	replace := make(map[string]CreditAccount, len(incoming))
	seen := make(map[string]struct{}, len(existing))
	for _, account := range incoming {
		if account.Owned {
			replace[account.ID] = account
		}
	}
	out := make([]CreditAccount, 0, len(existing)+len(incoming))
	for _, account := range existing {
		seen[account.ID] = struct{}{}
		if winner, ok := replace[account.ID]; ok {
			out = append(out, winner.Clone())
			continue
		}
		out = append(out, account.Clone())
	}
	for _, account := range incoming {
		if _, dup := seen[account.ID]; dup {
			continue
		}
		seen[account.ID] = struct{}{}
		out = append(out, account.Clone())
	}
	return out
}

// Equal reports whether two accounts are structurally identical. Used to
// suppress redundant downstream updates when a poll returns unchanged data.
func Equal(a, b CreditAccount) bool {
	if a.ID != b.ID || a.Owned != b.Owned {
		return false
	}
	if !amountEqual(a.TotalBorrowed, b.TotalBorrowed) || !amountEqual(a.NativeCredit, b.NativeCredit) {
		return false
	}
	if !depositsEqual(a.WETHDeposits, b.WETHDeposits) || !depositsEqual(a.WstETHDeposits, b.WstETHDeposits) {
		return false
	}
	if len(a.BorrowPositions) != len(b.BorrowPositions) {
		return false
	}
	for i := range a.BorrowPositions {
		if a.BorrowPositions[i].WalletAddress != b.BorrowPositions[i].WalletAddress {
			return false
		}
		if !depositsEqual(a.BorrowPositions[i].Positions, b.BorrowPositions[i].Positions) {
			return false
		}
	}
	if len(a.ChainLimits) != len(b.ChainLimits) {
		return false
	}
	for chainID, limit := range a.ChainLimits {
		other, ok := b.ChainLimits[chainID]
		if !ok || !amountEqual(limit, other) {
			return false
		}
	}
	return true
}

// EqualAll compares two account lists element-wise.
func EqualAll(a, b []CreditAccount) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func depositsEqual(a, b []DepositRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ChainID != b[i].ChainID || !amountEqual(a[i].Amount, b[i].Amount) {
			return false
		}
	}
	return true
}

func amountEqual(a, b *big.Int) bool {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b) == 0
}
