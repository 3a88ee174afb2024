package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goorm-sudo/raillo/settlement/internal/db/memory"
	interf "github.com/goorm-sudo/raillo/settlement/internal/interfaces"
	"github.com/goorm-sudo/raillo/settlement/internal/lock"
	"github.com/goorm-sudo/raillo/settlement/internal/metrics"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store    *memory.Store
	clock    *clock
	metrics  *metrics.Registry
	ledger   *LedgerService
	outbox   *OutboxService
	earning  *EarningService
	refund   *RefundService
	gateway  *MockPaymentGateway
	policies *MockFeePolicyResolver
}

type fixtureOption func(*fixtureDeps)

type fixtureDeps struct {
	ledgerDB   interf.LedgerStorage
	scheduleDB interf.ScheduleStorage
	publisher  interf.EventPublisher
	locker     interf.Locker
}

// withLedgerStorage wraps the in-memory ledger table.
func withLedgerStorage(wrap func(interf.LedgerStorage) interf.LedgerStorage) fixtureOption {
	return func(d *fixtureDeps) { d.ledgerDB = wrap(d.ledgerDB) }
}

// withScheduleStorage wraps the in-memory schedule table.
func withScheduleStorage(wrap func(interf.ScheduleStorage) interf.ScheduleStorage) fixtureOption {
	return func(d *fixtureDeps) { d.scheduleDB = wrap(d.scheduleDB) }
}

func withLocker(l interf.Locker) fixtureOption {
	return func(d *fixtureDeps) { d.locker = l }
}

// noLock runs every section without mutual exclusion.
type noLock struct{}

func (noLock) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func withPublisher(p interf.EventPublisher) fixtureOption {
	return func(d *fixtureDeps) { d.publisher = p }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cont := gomock.NewController(t)
	store := memory.NewStore()
	deps := fixtureDeps{ledgerDB: store.Ledger(), scheduleDB: store.Schedules(), locker: lock.NewLocal()}
	for _, o := range opts {
		o(&deps)
	}

	f := &fixture{
		store:    store,
		clock:    &clock{t: t0},
		metrics:  metrics.New(zap.NewNop(), 0),
		gateway:  NewMockPaymentGateway(cont),
		policies: NewMockFeePolicyResolver(cont),
	}
	logger := zap.NewNop()
	locker := deps.locker

	f.ledger = NewLedgerService(logger, store, deps.ledgerDB, nil, locker, 24*time.Hour)
	f.ledger.now = f.clock.Now
	f.outbox = NewOutboxService(logger, store.Outbox(), deps.publisher, f.metrics, OutboxConfig{
		BatchSize:         100,
		MaxRetry:          3,
		ProcessingTimeout: 5 * time.Minute,
		Retention:         24 * time.Hour,
	})
	f.outbox.now = f.clock.Now
	f.earning = NewEarningService(logger, store, deps.scheduleDB, f.ledger, f.outbox, locker, f.metrics, EarningConfig{
		BatchSize:         100,
		Concurrency:       4,
		MaxRetry:          3,
		Retention:         24 * time.Hour,
		ProcessingTimeout: 10 * time.Minute,
	})
	f.earning.now = f.clock.Now
	f.refund = NewRefundService(logger, store, store.Refunds(), f.ledger, f.earning, f.outbox, f.gateway, f.policies, locker, f.metrics, RefundConfig{
		UnknownTimeout:    30 * time.Minute,
		ProcessingTimeout: 5 * time.Minute,
		BatchSize:         50,
	})
	f.refund.now = f.clock.Now

	f.outbox.Register(model.EventTrainArrived, f.earning.ApplyTrainArrival)
	f.outbox.Register(model.EventEarningReady, f.earning.HandleEarningReady)
	return f
}

// drain delivers outbox events until a pass completes nothing.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n, err := f.outbox.ProcessPending(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("outbox did not drain")
}

// events returns the recorded events of a type in creation order.
func (f *fixture) events(eventType string) []model.OutboxEvent {
	var out []model.OutboxEvent
	for _, e := range f.store.Outbox().All(context.Background()) {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) balance(t *testing.T, memberID int64) int64 {
	t.Helper()
	b, err := f.ledger.CurrentBalance(context.Background(), memberID)
	require.NoError(t, err)
	return b
}

func purchase(id string, member, amount int64, train string) model.PurchaseCompleted {
	return model.PurchaseCompleted{
		PurchaseID:      id,
		MemberID:        member,
		Amount:          amount,
		TrainScheduleID: train,
		ExpectedArrival: t0.Add(3 * time.Hour),
		Route:           "Seoul-Busan",
	}
}

type ratePolicy float64

func (p ratePolicy) CalculateRate(_, _, _ time.Time) float64 { return float64(p) }
