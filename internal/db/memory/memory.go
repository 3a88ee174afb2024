// Package memory keeps every settlement table in process memory. It backs the service
// and API tests and mirrors the Postgres store's compare-and-swap semantics.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
)

type Store struct {
	mu        sync.Mutex
	ledger    map[uuid.UUID]model.LedgerEntry
	schedules map[uuid.UUID]model.EarningSchedule
	refunds   map[uuid.UUID]model.RefundCalculation
	outbox    map[uuid.UUID]model.OutboxEvent
	seq       map[uuid.UUID]int64 // insertion order, breaks timestamp ties
	next      int64
}

func NewStore() *Store {
	return &Store{
		ledger:    map[uuid.UUID]model.LedgerEntry{},
		schedules: map[uuid.UUID]model.EarningSchedule{},
		refunds:   map[uuid.UUID]model.RefundCalculation{},
		outbox:    map[uuid.UUID]model.OutboxEvent{},
		seq:       map[uuid.UUID]int64{},
	}
}

type txKey struct{ s *Store }

func (s *Store) inTx(ctx context.Context) bool {
	return ctx.Value(txKey{s}) != nil
}

// lock takes the store mutex unless ctx already holds it through WithinTx.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	ledger    map[uuid.UUID]model.LedgerEntry
	schedules map[uuid.UUID]model.EarningSchedule
	refunds   map[uuid.UUID]model.RefundCalculation
	outbox    map[uuid.UUID]model.OutboxEvent
	seq       map[uuid.UUID]int64
}

// WithinTx serializes transactions and restores the previous state when fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{maps.Clone(s.ledger), maps.Clone(s.schedules), maps.Clone(s.refunds), maps.Clone(s.outbox), maps.Clone(s.seq)}
	if err := fn(context.WithValue(ctx, txKey{s}, true)); err != nil {
		s.ledger, s.schedules, s.refunds, s.outbox, s.seq = snap.ledger, snap.schedules, snap.refunds, snap.outbox, snap.seq
		return err
	}
	return nil
}

func (s *Store) remember(id uuid.UUID) {
	s.next++
	s.seq[id] = s.next
}

func (s *Store) before(a, b uuid.UUID, ta, tb time.Time) bool {
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return s.seq[a] < s.seq[b]
}

// sortBy orders rows by creation time, then insertion order.
func sortBy[T any](rows []T, key func(T) (uuid.UUID, time.Time), s *Store) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, ta := key(rows[i])
		b, tb := key(rows[j])
		return s.before(a, b, ta, tb)
	})
}

// ----- ledger

// Ledger is the mileage_transactions table.
type Ledger struct{ s *Store }

func (s *Store) Ledger() Ledger { return Ledger{s} }

func (l Ledger) Insert(ctx context.Context, e *model.LedgerEntry) error {
	s := l.s
	defer s.lock(ctx)()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.ledger[e.ID] = *e
	s.remember(e.ID)
	return nil
}

func (l Ledger) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s := l.s
	defer s.lock(ctx)()
	e, ok := s.ledger[id]
	if !ok || e.Status != model.TxPending {
		return false, nil
	}
	e.Status = model.TxCompleted
	e.ProcessedAt = &at
	s.ledger[id] = e
	return true, nil
}

func (l Ledger) Get(ctx context.Context, id uuid.UUID) (*model.LedgerEntry, error) {
	s := l.s
	defer s.lock(ctx)()
	e, ok := s.ledger[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &e, nil
}

func (l Ledger) memberEntries(memberID int64, keep func(model.LedgerEntry) bool) []model.LedgerEntry {
	s := l.s
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MemberID == memberID && keep(e) {
			out = append(out, e)
		}
	}
	sortBy(out, func(e model.LedgerEntry) (uuid.UUID, time.Time) { return e.ID, e.CreatedAt }, s)
	return out
}

func (l Ledger) CompletedSum(ctx context.Context, memberID int64) (int64, error) {
	s := l.s
	defer s.lock(ctx)()
	var sum int64
	for _, e := range l.memberEntries(memberID, completed) {
		sum += e.PointsAmount
	}
	return sum, nil
}

func (l Ledger) UsableEntries(ctx context.Context, memberID int64, now time.Time) ([]model.LedgerEntry, error) {
	s := l.s
	defer s.lock(ctx)()
	out := l.memberEntries(memberID, func(e model.LedgerEntry) bool {
		return completed(e) && e.Type == model.TxEarn && (e.ExpiresAt == nil || e.ExpiresAt.After(now))
	})
	model.SortUsable(out)
	return out, nil
}

func (l Ledger) CompletedEntries(ctx context.Context, memberID int64) ([]model.LedgerEntry, error) {
	s := l.s
	defer s.lock(ctx)()
	return l.memberEntries(memberID, completed), nil
}

func (l Ledger) FindByRelated(ctx context.Context, memberID int64, relatedID string, typ model.TransactionType) (*model.LedgerEntry, error) {
	s := l.s
	defer s.lock(ctx)()
	found := l.memberEntries(memberID, func(e model.LedgerEntry) bool {
		return e.RelatedID == relatedID && e.Type == typ &&
			(e.Status == model.TxPending || e.Status == model.TxCompleted)
	})
	if len(found) == 0 {
		return nil, model.ErrNotFound
	}
	return &found[0], nil
}

func (l Ledger) History(ctx context.Context, memberID int64, from, to time.Time) ([]model.LedgerEntry, error) {
	s := l.s
	defer s.lock(ctx)()
	return l.memberEntries(memberID, func(e model.LedgerEntry) bool {
		return !e.CreatedAt.Before(from) && !e.CreatedAt.After(to)
	}), nil
}

func (l Ledger) MembersWithExpiredPoints(ctx context.Context, since, until time.Time, limit int) ([]int64, error) {
	s := l.s
	defer s.lock(ctx)()
	set := map[int64]struct{}{}
	for _, e := range s.ledger {
		if completed(e) && e.Type == model.TxEarn && e.ExpiresAt != nil &&
			e.ExpiresAt.After(since) && !e.ExpiresAt.After(until) {
			set[e.MemberID] = struct{}{}
		}
	}
	members := slices.Sorted(maps.Keys(set))
	if len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

// LockMember is a no-op: transactions are already serialized.
func (l Ledger) LockMember(context.Context, int64) error { return nil }

func completed(e model.LedgerEntry) bool { return e.Status == model.TxCompleted }
