package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	interf "github.com/goorm-sudo/raillo/settlement/internal/interfaces"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"go.uber.org/zap"
)

// LedgerService appends to the point ledger and answers balance queries. Balances are
// always derived from COMPLETED entries; the cache only shortcuts the read.
type LedgerService struct {
	logger *zap.Logger
	tx     interf.TxManager
	db     interf.LedgerStorage
	cache  interf.CacheStorage
	locker interf.Locker
	expiry time.Duration
	now    func() time.Time
}

// NewLedgerService builds the service. cache may be nil; expiry is the lifetime of
// earned points.
func NewLedgerService(logger *zap.Logger, tx interf.TxManager, db interf.LedgerStorage, cache interf.CacheStorage, locker interf.Locker, expiry time.Duration) *LedgerService {
	return &LedgerService{logger, tx, db, cache, locker, expiry, time.Now}
}

func memberLockKey(memberID int64) string {
	return "mileage:member:" + strconv.FormatInt(memberID, 10)
}

// Append writes a PENDING entry whose balanceBefore is the member's completed balance.
// It joins the transaction carried by ctx.
func (l *LedgerService) Append(ctx context.Context, memberID int64, typ model.TransactionType, amount int64, relatedID, description string, expiresAt *time.Time) (*model.LedgerEntry, error) {
	if memberID <= 0 {
		return nil, &model.ValidationError{Field: "memberId", Reason: "must be positive"}
	}
	if err := model.ValidateAmount(typ, amount); err != nil {
		return nil, err
	}
	var entry *model.LedgerEntry
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.db.LockMember(ctx, memberID); err != nil {
			return err
		}
		before, err := l.db.CompletedSum(ctx, memberID)
		if err != nil {
			return err
		}
		if amount < 0 && before+amount < 0 {
			return fmt.Errorf("%w: member %d has %d, needs %d", model.ErrInsufficientBalance, memberID, before, -amount)
		}
		entry = &model.LedgerEntry{
			ID:            uuid.New(),
			MemberID:      memberID,
			RelatedID:     relatedID,
			Type:          typ,
			PointsAmount:  amount,
			BalanceBefore: before,
			BalanceAfter:  before + amount,
			Description:   description,
			ExpiresAt:     expiresAt,
			Status:        model.TxPending,
			CreatedAt:     l.now(),
		}
		return l.db.Insert(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Complete moves a PENDING entry to COMPLETED. Completing an already completed entry is
// a no-op.
func (l *LedgerService) Complete(ctx context.Context, id uuid.UUID) error {
	at := l.now()
	ok, err := l.db.MarkCompleted(ctx, id, at)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	e, err := l.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == model.TxCompleted {
		return nil
	}
	return &model.TransitionError{Machine: "ledger entry", From: string(e.Status), Event: "complete"}
}

// post appends and completes one entry inside the caller's transaction.
func (l *LedgerService) post(ctx context.Context, memberID int64, typ model.TransactionType, amount int64, relatedID, description string, expiresAt *time.Time) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = l.Append(ctx, memberID, typ, amount, relatedID, description, expiresAt)
		if err != nil {
			return err
		}
		if err = l.Complete(ctx, entry.ID); err != nil {
			return err
		}
		entry.Status = model.TxCompleted
		return nil
	})
	return entry, err
}

// earn credits points that expire after the configured lifetime.
func (l *LedgerService) earn(ctx context.Context, memberID, points int64, relatedID, description string) (*model.LedgerEntry, error) {
	expires := l.now().Add(l.expiry)
	return l.post(ctx, memberID, model.TxEarn, points, relatedID, description, &expires)
}

// Earn credits points outside of any earning schedule.
func (l *LedgerService) Earn(ctx context.Context, memberID, points int64, relatedID, description string) (*model.LedgerEntry, error) {
	entry, err := l.earn(ctx, memberID, points, relatedID, description)
	if err != nil {
		return nil, err
	}
	l.Invalidate(ctx, memberID)
	return entry, nil
}

// debit runs a balance-lowering entry under the member lock.
func (l *LedgerService) debit(ctx context.Context, memberID int64, typ model.TransactionType, amount int64, relatedID, description string) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.locker.WithLock(ctx, memberLockKey(memberID), func(ctx context.Context) error {
		var err error
		entry, err = l.post(ctx, memberID, typ, amount, relatedID, description, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Invalidate(ctx, memberID)
	return entry, nil
}

// Use spends points, for example when they pay for a ticket.
func (l *LedgerService) Use(ctx context.Context, memberID, points int64, purchaseID string) (*model.LedgerEntry, error) {
	if points <= 0 {
		return nil, &model.ValidationError{Field: "points", Reason: "must be positive"}
	}
	return l.debit(ctx, memberID, model.TxUse, -points, purchaseID, "mileage used for purchase "+purchaseID)
}

// Adjust books an operator correction. Negative amounts may not overdraw the balance.
func (l *LedgerService) Adjust(ctx context.Context, memberID, amount int64, reason string) (*model.LedgerEntry, error) {
	if reason == "" {
		return nil, &model.ValidationError{Field: "reason", Reason: "is required"}
	}
	if amount > 0 {
		entry, err := l.post(ctx, memberID, model.TxAdjust, amount, "", reason, nil)
		if err != nil {
			return nil, err
		}
		l.Invalidate(ctx, memberID)
		return entry, nil
	}
	return l.debit(ctx, memberID, model.TxAdjust, amount, "", reason)
}

// restoreOnce credits points returned by a refund unless the purchase already has a
// REFUND entry. It joins the caller's transaction.
func (l *LedgerService) restoreOnce(ctx context.Context, memberID, points int64, purchaseID string) (*model.LedgerEntry, bool, error) {
	var entry *model.LedgerEntry
	created := false
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.db.LockMember(ctx, memberID); err != nil {
			return err
		}
		existing, err := l.db.FindByRelated(ctx, memberID, purchaseID, model.TxRefund)
		switch {
		case err == nil:
			entry = existing
			return nil
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		entry, err = l.post(ctx, memberID, model.TxRefund, points, purchaseID, "mileage restored for refund of "+purchaseID, nil)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

// CurrentBalance is the sum of all completed entries.
func (l *LedgerService) CurrentBalance(ctx context.Context, memberID int64) (int64, error) {
	if l.cache != nil {
		points, err := l.cache.GetBalance(ctx, memberID)
		if err == nil {
			return points, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			l.logger.Warn("Balance cache read failed", zap.Int64("member", memberID), zap.Error(err))
		}
	}
	points, err := l.db.CompletedSum(ctx, memberID)
	if err != nil {
		return 0, err
	}
	if l.cache != nil {
		if err = l.cache.SetBalance(ctx, memberID, points); err != nil {
			l.logger.Warn("Balance cache write failed", zap.Int64("member", memberID), zap.Error(err))
		}
	}
	return points, nil
}

// ActiveBalance is the current balance minus the unspent remainder of lapsed lots that
// has not been expired yet.
func (l *LedgerService) ActiveBalance(ctx context.Context, memberID int64) (int64, error) {
	entries, err := l.db.CompletedEntries(ctx, memberID)
	if err != nil {
		return 0, err
	}
	var current int64
	for _, e := range entries {
		current += e.PointsAmount
	}
	return current - model.PlanExpiration(entries, l.now()), nil
}

func (l *LedgerService) UsableEntries(ctx context.Context, memberID int64) ([]model.LedgerEntry, error) {
	return l.db.UsableEntries(ctx, memberID, l.now())
}

func (l *LedgerService) History(ctx context.Context, memberID int64, from, to time.Time) ([]model.LedgerEntry, error) {
	if to.Before(from) {
		return nil, &model.ValidationError{Field: "to", Reason: "is before from"}
	}
	return l.db.History(ctx, memberID, from, to)
}

// Invalidate drops the cached balance. Call it after the writing transaction commits.
func (l *LedgerService) Invalidate(ctx context.Context, memberID int64) {
	if l.cache == nil {
		return
	}
	if err := l.cache.InvalidateBalance(ctx, memberID); err != nil {
		l.logger.Warn("Balance cache invalidation failed", zap.Int64("member", memberID), zap.Error(err))
	}
}

// ExpireMember books one EXPIRE entry for the member's lapsed points, consuming lots in
// FIFO order. It returns the points expired; a second run returns zero.
func (l *LedgerService) ExpireMember(ctx context.Context, memberID int64) (int64, error) {
	var expired int64
	err := l.locker.WithLock(ctx, memberLockKey(memberID), func(ctx context.Context) error {
		return l.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := l.db.LockMember(ctx, memberID); err != nil {
				return err
			}
			entries, err := l.db.CompletedEntries(ctx, memberID)
			if err != nil {
				return err
			}
			due := model.PlanExpiration(entries, l.now())
			if due == 0 {
				return nil
			}
			if _, err = l.post(ctx, memberID, model.TxExpire, -due, "", "mileage expired", nil); err != nil {
				return err
			}
			expired = due
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		l.Invalidate(ctx, memberID)
	}
	return expired, nil
}

// ExpireDue expires lapsed points of members whose lots expired within lookback.
// Per-member failures are logged and skipped.
func (l *LedgerService) ExpireDue(ctx context.Context, lookback time.Duration, limit int) (int64, error) {
	now := l.now()
	members, err := l.db.MembersWithExpiredPoints(ctx, now.Add(-lookback), now, limit)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range members {
		n, err := l.ExpireMember(ctx, m)
		if err != nil {
			l.logger.Error("Mileage expiration failed", zap.Int64("member", m), zap.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		l.logger.Info("Mileage expired", zap.Int("members", len(members)), zap.Int64("points", total))
	}
	return total, nil
}
