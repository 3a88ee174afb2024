package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TxEarn   TransactionType = "EARN"
	TxUse    TransactionType = "USE"
	TxExpire TransactionType = "EXPIRE"
	TxAdjust TransactionType = "ADJUST"
	TxRefund TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxCancelled TransactionStatus = "CANCELLED"
	TxFailed    TransactionStatus = "FAILED"
)

// Ledger entry - one immutable balance change
type LedgerEntry struct {
	ID            uuid.UUID         `json:"id"`
	MemberID      int64             `json:"memberId"`
	RelatedID     string            `json:"relatedId"`    // purchase id
	Type          TransactionType   `json:"type"`         // operation type
	PointsAmount  int64             `json:"pointsAmount"` // signed
	BalanceBefore int64             `json:"balanceBefore"`
	BalanceAfter  int64             `json:"balanceAfter"`
	Description   string            `json:"description"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"` // EARN rows only
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	ProcessedAt   *time.Time        `json:"processedAt,omitempty"`
}

// IsDebit reports whether the entry lowers the balance.
func (e LedgerEntry) IsDebit() bool {
	return e.PointsAmount < 0
}

// ValidateAmount checks the sign rules of a transaction type.
func ValidateAmount(t TransactionType, amount int64) error {
	if amount == 0 {
		return invalid("pointsAmount", "must not be zero")
	}
	switch t {
	case TxEarn, TxRefund:
		if amount < 0 {
			return invalid("pointsAmount", string(t)+" must be positive")
		}
	case TxUse, TxExpire:
		if amount > 0 {
			return invalid("pointsAmount", string(t)+" must be negative")
		}
	case TxAdjust:
	default:
		return invalid("type", "unknown transaction type "+string(t))
	}
	return nil
}

// SortUsable orders EARN entries FIFO by expiry: expiresAt asc, then createdAt asc.
// Entries without expiry go last.
func SortUsable(entries []LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// PlanExpiration returns how many points must be expired for a member at now.
// Debits (USE, EXPIRE, negative ADJUST) are allocated to EARN lots in FIFO-by-expiry
// order; whatever is left of a lot whose expiry has passed is due. Earlier EXPIRE rows
// count as debits, so a second run over the same rows yields zero.
func PlanExpiration(completed []LedgerEntry, now time.Time) int64 {
	var debits, balance int64
	lots := make([]LedgerEntry, 0, len(completed))
	for _, e := range completed {
		if e.Status != TxCompleted {
			continue
		}
		balance += e.PointsAmount
		if e.PointsAmount < 0 {
			debits -= e.PointsAmount
		}
		if e.Type == TxEarn {
			lots = append(lots, e)
		}
	}
	SortUsable(lots)

	var due int64
	for _, lot := range lots {
		consumed := min(lot.PointsAmount, debits)
		debits -= consumed
		left := lot.PointsAmount - consumed
		if left > 0 && lot.ExpiresAt != nil && !lot.ExpiresAt.After(now) {
			due += left
		}
	}
	return max(min(due, balance), 0)
}
