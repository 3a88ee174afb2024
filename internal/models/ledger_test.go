package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		typ   TransactionType
		value int64
		ok    bool
	}{
		{TxEarn, 100, true},
		{TxEarn, -100, false},
		{TxRefund, 50, true},
		{TxUse, -10, true},
		{TxUse, 10, false},
		{TxExpire, -1, true},
		{TxAdjust, -5, true},
		{TxAdjust, 5, true},
		{TxAdjust, 0, false},
		{TransactionType("BONUS"), 5, false},
	}
	for _, ts := range tests {
		err := ValidateAmount(ts.typ, ts.value)
		if ts.ok {
			require.NoError(t, err, "%s %d", ts.typ, ts.value)
		} else {
			require.ErrorIs(t, err, ErrValidation, "%s %d", ts.typ, ts.value)
		}
	}
}

func at(day int) *time.Time {
	t := time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestSortUsable(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []LedgerEntry{
		{Description: "no expiry", CreatedAt: created},
		{Description: "late", ExpiresAt: at(20), CreatedAt: created},
		{Description: "early second", ExpiresAt: at(5), CreatedAt: created.Add(time.Hour)},
		{Description: "early first", ExpiresAt: at(5), CreatedAt: created},
	}
	SortUsable(entries)
	var order []string
	for _, e := range entries {
		order = append(order, e.Description)
	}
	require.Equal(t, []string{"early first", "early second", "late", "no expiry"}, order)
}

func TestPlanExpiration(t *testing.T) {
	now := *at(10)
	earn := func(points int64, expires *time.Time) LedgerEntry {
		return LedgerEntry{Type: TxEarn, PointsAmount: points, ExpiresAt: expires, Status: TxCompleted}
	}
	use := func(points int64) LedgerEntry {
		return LedgerEntry{Type: TxUse, PointsAmount: -points, Status: TxCompleted}
	}

	t.Run("nothing expired", func(t *testing.T) {
		require.Equal(t, int64(0), PlanExpiration([]LedgerEntry{earn(100, at(20))}, now))
	})
	t.Run("expired lot partially used", func(t *testing.T) {
		entries := []LedgerEntry{earn(100, at(5)), earn(50, at(20)), use(30)}
		require.Equal(t, int64(70), PlanExpiration(entries, now))
	})
	t.Run("usage consumes the earliest lot first", func(t *testing.T) {
		entries := []LedgerEntry{earn(50, at(20)), earn(100, at(5)), use(120)}
		require.Equal(t, int64(0), PlanExpiration(entries, now))
	})
	t.Run("second run is a no-op", func(t *testing.T) {
		entries := []LedgerEntry{earn(100, at(5)), use(30),
			{Type: TxExpire, PointsAmount: -70, Status: TxCompleted}}
		require.Equal(t, int64(0), PlanExpiration(entries, now))
	})
	t.Run("pending rows are ignored", func(t *testing.T) {
		pending := earn(100, at(5))
		pending.Status = TxPending
		require.Equal(t, int64(0), PlanExpiration([]LedgerEntry{pending}, now))
	})
}
