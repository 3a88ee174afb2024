package db

import (
	"context"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5"
)

type OutboxDB struct {
	*DB
}

var outboxColumns = []string{
	"id", "event_type", "aggregate_type", "aggregate_id", "payload", "status",
	"retry_count", "last_error", "created_at", "updated_at", "processed_at",
}

func scanOutbox(row pgx.Row) (model.OutboxEvent, error) {
	var e model.OutboxEvent
	var payload []byte
	var processed pgtype.Timestamptz
	err := row.Scan(&e.ID, &e.EventType, &e.AggregateType, &e.AggregateID, &payload, &e.Status,
		&e.RetryCount, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &processed)
	if err != nil {
		return e, mapError(err)
	}
	e.Payload = payload
	e.ProcessedAt = nullTime(processed)
	return e, nil
}

func (d *OutboxDB) Insert(ctx context.Context, e *model.OutboxEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.OutboxPending
	}
	_, err := d.exec(ctx, psql.Insert("outbox_events").
		Columns(outboxColumns...).
		Values(e.ID, e.EventType, e.AggregateType, e.AggregateID, string(e.Payload), e.Status,
			e.RetryCount, e.LastError, e.CreatedAt, e.UpdatedAt, timeOrNull(e.ProcessedAt)))
	return err
}

func (d *OutboxDB) Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	row, err := d.queryRow(ctx, psql.Select(outboxColumns...).From("outbox_events").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	e, err := scanOutbox(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ClaimPending flips a batch to PROCESSING in one statement. Rows locked by another
// relay are skipped.
func (d *OutboxDB) ClaimPending(ctx context.Context, limit, maxRetry int, at time.Time) ([]model.OutboxEvent, error) {
	batch := sq.Select("id").
		From("outbox_events").
		Where(sq.Or{
			sq.Eq{"status": model.OutboxPending},
			sq.And{sq.Eq{"status": model.OutboxFailed}, sq.Lt{"retry_count": maxRetry}},
		}).
		OrderBy("created_at").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")
	rows, err := d.query(ctx, psql.Update("outbox_events").
		Set("status", model.OutboxProcessing).
		Set("updated_at", at).
		Where(sq.Expr("id IN (?)", batch)).
		Suffix("RETURNING "+strings.Join(outboxColumns, ", ")))
	if err != nil {
		return nil, err
	}
	events, err := collect(rows, scanOutbox)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (d *OutboxDB) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	n, err := d.exec(ctx, psql.Update("outbox_events").
		Set("status", model.OutboxCompleted).
		Set("updated_at", at).
		Set("processed_at", at).
		Where(sq.Eq{"id": id, "status": model.OutboxProcessing}))
	return n == 1, err
}

func (d *OutboxDB) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	n, err := d.exec(ctx, psql.Update("outbox_events").
		Set("status", model.OutboxFailed).
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", reason).
		Set("updated_at", at).
		Where(sq.Eq{"id": id, "status": model.OutboxProcessing}))
	return n == 1, err
}

// ResetTimedOut returns stuck PROCESSING rows to PENDING, or to FAILED once the retry
// budget is spent.
func (d *OutboxDB) ResetTimedOut(ctx context.Context, olderThan time.Time, maxRetry int, at time.Time) (requeued int64, exhausted int64, err error) {
	stuck := sq.And{sq.Eq{"status": model.OutboxProcessing}, sq.Lt{"updated_at": olderThan}}
	err = d.WithinTx(ctx, func(ctx context.Context) error {
		exhausted, err = d.exec(ctx, psql.Update("outbox_events").
			Set("status", model.OutboxFailed).
			Set("retry_count", sq.Expr("retry_count + 1")).
			Set("last_error", "processing timed out").
			Set("updated_at", at).
			Where(stuck).
			Where(sq.GtOrEq{"retry_count + 1": maxRetry}))
		if err != nil {
			return err
		}
		requeued, err = d.exec(ctx, psql.Update("outbox_events").
			Set("status", model.OutboxPending).
			Set("retry_count", sq.Expr("retry_count + 1")).
			Set("last_error", "processing timed out").
			Set("updated_at", at).
			Where(stuck))
		return err
	})
	return requeued, exhausted, err
}

func (d *OutboxDB) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	return d.exec(ctx, psql.Delete("outbox_events").
		Where(sq.Eq{"status": model.OutboxCompleted}).
		Where(sq.Lt{"processed_at": before}))
}

func (d *OutboxDB) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	rows, err := d.query(ctx, psql.Select("status", "COUNT(*)").From("outbox_events").GroupBy("status"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.OutboxStatus]int64{}
	for rows.Next() {
		var status model.OutboxStatus
		var n int64
		if err = rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
