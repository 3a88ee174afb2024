package db

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5"
)

type LedgerDB struct {
	*DB
}

var ledgerColumns = []string{
	"id", "member_id", "related_id", "type", "points_amount", "balance_before", "balance_after",
	"description", "expires_at", "status", "created_at", "processed_at",
}

func scanLedger(row pgx.Row) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	var related pgtype.Text
	var expires, processed pgtype.Timestamptz
	err := row.Scan(&e.ID, &e.MemberID, &related, &e.Type, &e.PointsAmount, &e.BalanceBefore, &e.BalanceAfter,
		&e.Description, &expires, &e.Status, &e.CreatedAt, &processed)
	if err != nil {
		return e, mapError(err)
	}
	e.RelatedID = nullText(related)
	e.ExpiresAt = nullTime(expires)
	e.ProcessedAt = nullTime(processed)
	return e, nil
}

func (l *LedgerDB) Insert(ctx context.Context, e *model.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := l.exec(ctx, psql.Insert("mileage_transactions").
		Columns(ledgerColumns...).
		Values(e.ID, e.MemberID, textOrNull(e.RelatedID), e.Type, e.PointsAmount, e.BalanceBefore, e.BalanceAfter,
			e.Description, timeOrNull(e.ExpiresAt), e.Status, e.CreatedAt, timeOrNull(e.ProcessedAt)))
	return err
}

func (l *LedgerDB) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	n, err := l.exec(ctx, psql.Update("mileage_transactions").
		Set("status", model.TxCompleted).
		Set("processed_at", at).
		Where(sq.Eq{"id": id, "status": model.TxPending}))
	return n == 1, err
}

func (l *LedgerDB) Get(ctx context.Context, id uuid.UUID) (*model.LedgerEntry, error) {
	row, err := l.queryRow(ctx, psql.Select(ledgerColumns...).From("mileage_transactions").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	e, err := scanLedger(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *LedgerDB) sum(ctx context.Context, where sq.Sqlizer) (int64, error) {
	row, err := l.queryRow(ctx, psql.Select("COALESCE(SUM(points_amount), 0)").
		From("mileage_transactions").
		Where(where))
	if err != nil {
		return 0, err
	}
	var sum int64
	if err = row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func (l *LedgerDB) CompletedSum(ctx context.Context, memberID int64) (int64, error) {
	return l.sum(ctx, sq.Eq{"member_id": memberID, "status": model.TxCompleted})
}

func (l *LedgerDB) list(ctx context.Context, b sq.SelectBuilder) ([]model.LedgerEntry, error) {
	rows, err := l.query(ctx, b)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLedger)
}

func (l *LedgerDB) UsableEntries(ctx context.Context, memberID int64, now time.Time) ([]model.LedgerEntry, error) {
	return l.list(ctx, psql.Select(ledgerColumns...).
		From("mileage_transactions").
		Where(sq.Eq{"member_id": memberID, "status": model.TxCompleted, "type": model.TxEarn}).
		Where(sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": now}}).
		OrderBy("expires_at ASC NULLS LAST", "created_at ASC"))
}

func (l *LedgerDB) CompletedEntries(ctx context.Context, memberID int64) ([]model.LedgerEntry, error) {
	return l.list(ctx, psql.Select(ledgerColumns...).
		From("mileage_transactions").
		Where(sq.Eq{"member_id": memberID, "status": model.TxCompleted}).
		OrderBy("created_at ASC"))
}

func (l *LedgerDB) FindByRelated(ctx context.Context, memberID int64, relatedID string, typ model.TransactionType) (*model.LedgerEntry, error) {
	found, err := l.list(ctx, psql.Select(ledgerColumns...).
		From("mileage_transactions").
		Where(sq.Eq{
			"member_id":  memberID,
			"related_id": relatedID,
			"type":       typ,
			"status":     []model.TransactionStatus{model.TxPending, model.TxCompleted},
		}).
		OrderBy("created_at ASC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, model.ErrNotFound
	}
	return &found[0], nil
}

func (l *LedgerDB) History(ctx context.Context, memberID int64, from, to time.Time) ([]model.LedgerEntry, error) {
	return l.list(ctx, psql.Select(ledgerColumns...).
		From("mileage_transactions").
		Where(sq.Eq{"member_id": memberID}).
		Where(sq.GtOrEq{"created_at": from}).
		Where(sq.LtOrEq{"created_at": to}).
		OrderBy("created_at ASC"))
}

func (l *LedgerDB) MembersWithExpiredPoints(ctx context.Context, since, until time.Time, limit int) ([]int64, error) {
	rows, err := l.query(ctx, psql.Select("DISTINCT member_id").
		From("mileage_transactions").
		Where(sq.Eq{"status": model.TxCompleted, "type": model.TxEarn}).
		Where(sq.Gt{"expires_at": since}).
		Where(sq.LtOrEq{"expires_at": until}).
		OrderBy("member_id").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
}

// LockMember takes a transaction-scoped advisory lock keyed by the member id.
func (l *LedgerDB) LockMember(ctx context.Context, memberID int64) error {
	if !l.inTx(ctx) {
		return errors.New("member lock requires a transaction")
	}
	_, err := l.conn(ctx).Exec(ctx, "SELECT pg_advisory_xact_lock($1)", memberID)
	return err
}
