package db

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5"
)

type ScheduleDB struct {
	*DB
}

var scheduleColumns = []string{
	"id", "purchase_id", "member_id", "train_schedule_id", "original_amount", "base_mileage_amount",
	"delay_compensation_rate", "delay_compensation_amount", "total_mileage_amount", "scheduled_earning_time",
	"status", "delay_minutes", "base_transaction_id", "compensation_transaction_id", "retry_count",
	"error_message", "created_at", "updated_at", "processed_at",
}

func scanSchedule(row pgx.Row) (model.EarningSchedule, error) {
	var s model.EarningSchedule
	var baseTx, compTx pgtype.UUID
	var processed pgtype.Timestamptz
	err := row.Scan(&s.ID, &s.PurchaseID, &s.MemberID, &s.TrainScheduleID, &s.OriginalAmount, &s.BaseMileageAmount,
		&s.DelayCompensationRate, &s.DelayCompensationAmount, &s.TotalMileageAmount, &s.ScheduledEarningTime,
		&s.Status, &s.DelayMinutes, &baseTx, &compTx, &s.RetryCount,
		&s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt, &processed)
	if err != nil {
		return s, mapError(err)
	}
	s.BaseTransactionID = nullUUID(baseTx)
	s.CompensationTransactionID = nullUUID(compTx)
	s.ProcessedAt = nullTime(processed)
	return s, nil
}

// Create fails with model.ErrDuplicate when the purchase already has a schedule.
func (d *ScheduleDB) Create(ctx context.Context, s *model.EarningSchedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := d.exec(ctx, psql.Insert("mileage_earning_schedules").
		Columns(scheduleColumns...).
		Values(s.ID, s.PurchaseID, s.MemberID, s.TrainScheduleID, s.OriginalAmount, s.BaseMileageAmount,
			s.DelayCompensationRate, s.DelayCompensationAmount, s.TotalMileageAmount, s.ScheduledEarningTime,
			s.Status, s.DelayMinutes, uuidOrNull(s.BaseTransactionID), uuidOrNull(s.CompensationTransactionID), s.RetryCount,
			s.ErrorMessage, s.CreatedAt, s.UpdatedAt, timeOrNull(s.ProcessedAt)))
	return err
}

func (d *ScheduleDB) list(ctx context.Context, b sq.SelectBuilder) ([]model.EarningSchedule, error) {
	rows, err := d.query(ctx, b)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSchedule)
}

func (d *ScheduleDB) one(ctx context.Context, where sq.Sqlizer) (*model.EarningSchedule, error) {
	row, err := d.queryRow(ctx, psql.Select(scheduleColumns...).From("mileage_earning_schedules").Where(where))
	if err != nil {
		return nil, err
	}
	s, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *ScheduleDB) Get(ctx context.Context, id uuid.UUID) (*model.EarningSchedule, error) {
	return d.one(ctx, sq.Eq{"id": id})
}

func (d *ScheduleDB) GetByPurchase(ctx context.Context, purchaseID string, memberID int64) (*model.EarningSchedule, error) {
	return d.one(ctx, sq.Eq{"purchase_id": purchaseID, "member_id": memberID})
}

func (d *ScheduleDB) ListByPurchase(ctx context.Context, purchaseID string) ([]model.EarningSchedule, error) {
	return d.list(ctx, psql.Select(scheduleColumns...).
		From("mileage_earning_schedules").
		Where(sq.Eq{"purchase_id": purchaseID}).
		OrderBy("created_at"))
}

func (d *ScheduleDB) ListByMember(ctx context.Context, memberID int64) ([]model.EarningSchedule, error) {
	return d.list(ctx, psql.Select(scheduleColumns...).
		From("mileage_earning_schedules").
		Where(sq.Eq{"member_id": memberID}).
		OrderBy("created_at"))
}

func (d *ScheduleDB) ListByTrain(ctx context.Context, trainScheduleID string, statuses ...model.ScheduleStatus) ([]model.EarningSchedule, error) {
	b := psql.Select(scheduleColumns...).
		From("mileage_earning_schedules").
		Where(sq.Eq{"train_schedule_id": trainScheduleID}).
		OrderBy("created_at")
	if len(statuses) > 0 {
		b = b.Where(sq.Eq{"status": statuses})
	}
	return d.list(ctx, b)
}

func (d *ScheduleDB) UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.ScheduleStatus, upd model.ScheduleUpdate) (bool, error) {
	b := psql.Update("mileage_earning_schedules").
		Set("status", to).
		Set("updated_at", upd.At).
		Where(sq.Eq{"id": id, "status": from})
	if upd.BaseTransactionID != nil {
		b = b.Set("base_transaction_id", *upd.BaseTransactionID)
	}
	if upd.CompensationTransactionID != nil {
		b = b.Set("compensation_transaction_id", *upd.CompensationTransactionID)
	}
	if upd.ErrorMessage != "" {
		b = b.Set("error_message", upd.ErrorMessage)
	}
	if upd.IncrementRetry {
		b = b.Set("retry_count", sq.Expr("retry_count + 1"))
	}
	if upd.ProcessedAt != nil {
		b = b.Set("processed_at", *upd.ProcessedAt)
	}
	n, err := d.exec(ctx, b)
	return n == 1, err
}

func (d *ScheduleDB) UpdateDelayInfo(ctx context.Context, id uuid.UUID, delayMinutes int, rate float64, compensation int64, at time.Time) (bool, error) {
	n, err := d.exec(ctx, psql.Update("mileage_earning_schedules").
		Set("delay_minutes", delayMinutes).
		Set("delay_compensation_rate", rate).
		Set("delay_compensation_amount", compensation).
		Set("total_mileage_amount", sq.Expr("base_mileage_amount + ?", compensation)).
		Set("updated_at", at).
		Where(sq.Eq{"id": id, "status": []model.ScheduleStatus{model.ScheduleScheduled, model.ScheduleReady}}))
	return n == 1, err
}

func (d *ScheduleDB) ids(ctx context.Context, b sq.SelectBuilder) ([]uuid.UUID, error) {
	rows, err := d.query(ctx, b)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
}

func (d *ScheduleDB) DueScheduled(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return d.ids(ctx, psql.Select("id").
		From("mileage_earning_schedules").
		Where(sq.Eq{"status": model.ScheduleScheduled}).
		Where(sq.LtOrEq{"scheduled_earning_time": now}).
		OrderBy("scheduled_earning_time").
		Limit(uint64(limit)))
}

// FetchByStatus holds the row locks only for the enclosing transaction; callers still
// claim each row with UpdateStatus.
func (d *ScheduleDB) FetchByStatus(ctx context.Context, status model.ScheduleStatus, limit int) ([]uuid.UUID, error) {
	return d.ids(ctx, psql.Select("id").
		From("mileage_earning_schedules").
		Where(sq.Eq{"status": status}).
		OrderBy("updated_at").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED"))
}

func (d *ScheduleDB) ListFailed(ctx context.Context, maxRetry int, limit int) ([]model.EarningSchedule, error) {
	return d.list(ctx, psql.Select(scheduleColumns...).
		From("mileage_earning_schedules").
		Where(sq.Eq{"status": model.ScheduleFailed}).
		Where(sq.Lt{"retry_count": maxRetry}).
		OrderBy("updated_at").
		Limit(uint64(limit)))
}

func (d *ScheduleDB) ListStale(ctx context.Context, before time.Time, limit int, statuses ...model.ScheduleStatus) ([]model.EarningSchedule, error) {
	return d.list(ctx, psql.Select(scheduleColumns...).
		From("mileage_earning_schedules").
		Where(sq.Eq{"status": statuses}).
		Where(sq.Lt{"updated_at": before}).
		OrderBy("updated_at").
		Limit(uint64(limit)))
}

func (d *ScheduleDB) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	return d.exec(ctx, psql.Delete("mileage_earning_schedules").
		Where(sq.Eq{"status": model.ScheduleFullyCompleted}).
		Where(sq.Lt{"updated_at": before}))
}

// PendingMileage counts points promised but not yet in the ledger.
func (d *ScheduleDB) PendingMileage(ctx context.Context, memberID int64) (int64, error) {
	row, err := d.queryRow(ctx, psql.Select(
		"COALESCE(SUM(CASE WHEN status IN ('SCHEDULED', 'READY', 'BASE_PROCESSING') THEN total_mileage_amount "+
			"WHEN status IN ('BASE_COMPLETED', 'COMPENSATION_PROCESSING') THEN delay_compensation_amount "+
			"ELSE 0 END), 0)").
		From("mileage_earning_schedules").
		Where(sq.Eq{"member_id": memberID}))
	if err != nil {
		return 0, err
	}
	var sum int64
	if err = row.Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func (d *ScheduleDB) Statistics(ctx context.Context, from, to time.Time) (*model.EarningStatistics, error) {
	window := sq.And{sq.GtOrEq{"created_at": from}, sq.Lt{"created_at": to}}
	row, err := d.queryRow(ctx, psql.Select(
		"COUNT(*)",
		"COUNT(*) FILTER (WHERE status = 'FULLY_COMPLETED')",
		"COUNT(*) FILTER (WHERE status = 'FAILED')",
		"COUNT(*) FILTER (WHERE status = 'CANCELLED')",
		"COUNT(*) FILTER (WHERE delay_minutes > 0)",
		"COALESCE(SUM(base_mileage_amount) FILTER (WHERE base_transaction_id IS NOT NULL), 0)",
		"COALESCE(SUM(delay_compensation_amount) FILTER (WHERE compensation_transaction_id IS NOT NULL), 0)",
		"COALESCE(AVG(delay_minutes) FILTER (WHERE delay_minutes > 0), 0)",
	).From("mileage_earning_schedules").Where(window))
	if err != nil {
		return nil, err
	}
	st := &model.EarningStatistics{From: from, To: to, CompensationByRate: map[float64]int64{}}
	err = row.Scan(&st.Schedules, &st.FullyCompleted, &st.Failed, &st.Cancelled, &st.Delayed,
		&st.BaseMileageEarned, &st.CompensationEarned, &st.AverageDelayMinutes)
	if err != nil {
		return nil, err
	}

	rows, err := d.query(ctx, psql.Select("delay_compensation_rate", "SUM(delay_compensation_amount)").
		From("mileage_earning_schedules").
		Where(window).
		Where(sq.NotEq{"compensation_transaction_id": nil}).
		GroupBy("delay_compensation_rate"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rate float64
		var amount int64
		if err = rows.Scan(&rate, &amount); err != nil {
			return nil, err
		}
		st.CompensationByRate[rate] = amount
	}
	return st, rows.Err()
}
