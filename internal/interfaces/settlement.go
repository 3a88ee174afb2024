package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
)

//go:generate mockgen -destination=./../services/mock_external_test.go -package=services . PaymentGateway,FeePolicyResolver,EventPublisher

// TxManager runs fn in one unit of work. The transaction travels in ctx, so every
// storage call made with that ctx joins it. Nested calls reuse the outer transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type LedgerStorage interface {
	Insert(ctx context.Context, entry *model.LedgerEntry) error
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*model.LedgerEntry, error)
	CompletedSum(ctx context.Context, memberID int64) (int64, error)
	UsableEntries(ctx context.Context, memberID int64, now time.Time) ([]model.LedgerEntry, error)
	CompletedEntries(ctx context.Context, memberID int64) ([]model.LedgerEntry, error)
	FindByRelated(ctx context.Context, memberID int64, relatedID string, typ model.TransactionType) (*model.LedgerEntry, error)
	History(ctx context.Context, memberID int64, from, to time.Time) ([]model.LedgerEntry, error)
	MembersWithExpiredPoints(ctx context.Context, since, until time.Time, limit int) ([]int64, error)
	// LockMember serializes ledger writers of one member until the transaction ends.
	LockMember(ctx context.Context, memberID int64) error
}

type ScheduleStorage interface {
	Create(ctx context.Context, s *model.EarningSchedule) error
	Get(ctx context.Context, id uuid.UUID) (*model.EarningSchedule, error)
	GetByPurchase(ctx context.Context, purchaseID string, memberID int64) (*model.EarningSchedule, error)
	ListByPurchase(ctx context.Context, purchaseID string) ([]model.EarningSchedule, error)
	ListByMember(ctx context.Context, memberID int64) ([]model.EarningSchedule, error)
	ListByTrain(ctx context.Context, trainScheduleID string, statuses ...model.ScheduleStatus) ([]model.EarningSchedule, error)
	// UpdateStatus is the compare-and-swap write: it applies to and upd only while the
	// row is still in from. false means another worker got there first.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.ScheduleStatus, upd model.ScheduleUpdate) (bool, error)
	UpdateDelayInfo(ctx context.Context, id uuid.UUID, delayMinutes int, rate float64, compensation int64, at time.Time) (bool, error)
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	// FetchByStatus locks a batch with SKIP LOCKED so replicas partition the work.
	FetchByStatus(ctx context.Context, status model.ScheduleStatus, limit int) ([]uuid.UUID, error)
	ListFailed(ctx context.Context, maxRetry int, limit int) ([]model.EarningSchedule, error)
	// ListStale returns rows in one of statuses last written before the cutoff.
	ListStale(ctx context.Context, before time.Time, limit int, statuses ...model.ScheduleStatus) ([]model.EarningSchedule, error)
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
	PendingMileage(ctx context.Context, memberID int64) (int64, error)
	Statistics(ctx context.Context, from, to time.Time) (*model.EarningStatistics, error)
}

type RefundStorage interface {
	// Create inserts the row unless one exists for the purchase or key; false on conflict.
	Create(ctx context.Context, r *model.RefundCalculation) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error)
	GetByPurchase(ctx context.Context, purchaseID string) (*model.RefundCalculation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.RefundCalculation, error)
	ListByMember(ctx context.Context, memberID int64) ([]model.RefundCalculation, error)
	ListByStatus(ctx context.Context, status model.RefundStatus, limit int) ([]model.RefundCalculation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.RefundStatus, upd model.RefundUpdate) (bool, error)
}

type OutboxStorage interface {
	Insert(ctx context.Context, e *model.OutboxEvent) error
	Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error)
	ClaimPending(ctx context.Context, limit, maxRetry int, at time.Time) ([]model.OutboxEvent, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)
	ResetTimedOut(ctx context.Context, olderThan time.Time, maxRetry int, at time.Time) (requeued int64, exhausted int64, err error)
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error)
}

type CacheStorage interface {
	GetBalance(ctx context.Context, memberID int64) (points int64, err error)
	SetBalance(ctx context.Context, memberID int64, points int64) error
	InvalidateBalance(ctx context.Context, memberID int64) error
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type PaymentGateway interface {
	Refund(ctx context.Context, req model.GatewayRefundRequest) (*model.GatewayRefundResult, error)
}

type FeePolicyResolver interface {
	Resolve(ctx context.Context, operator string) (model.FeePolicy, error)
}

// EventPublisher relays outbox events to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, e model.OutboxEvent) error
}
