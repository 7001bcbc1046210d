package indexer

// Status values returned by the indexer for borrow and update requests.
const (
	StatusBorrowApproved            = "borrow_approved"
	StatusNotEnoughLimit            = "not_enough_limit"
	StatusInsufficientIssuerBalance = "insufficient_issuer_balance"
	StatusInvalidSignature          = "invalid_signature"
	StatusUpdateSuccessful          = "update_successful"
)

// Terminal reports whether a borrow status is final. A terminal status
// must not be retried with the same nonce.
func Terminal(status string) bool {
	switch status {
	case StatusBorrowApproved, StatusNotEnoughLimit, StatusInsufficientIssuerBalance:
		return true
	}
	return false
}
