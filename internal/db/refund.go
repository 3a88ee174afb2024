package db

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5"
)

type RefundDB struct {
	*DB
}

var refundColumns = []string{
	"id", "purchase_id", "member_id", "train_schedule_id", "operator", "payment_transaction_id",
	"original_amount", "mileage_used", "refund_fee_rate", "refund_fee", "refund_amount", "mileage_refund_amount",
	"departure_time", "arrival_time", "request_time", "delay_minutes", "refund_type", "status", "reason",
	"idempotency_key", "gateway_transaction_id", "approval_no", "failure_reason", "retry_count",
	"unknown_since", "created_at", "updated_at", "processed_at",
}

func scanRefund(row pgx.Row) (model.RefundCalculation, error) {
	var r model.RefundCalculation
	var key pgtype.Text
	var unknownSince, processed pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.PurchaseID, &r.MemberID, &r.TrainScheduleID, &r.Operator, &r.PaymentTransactionID,
		&r.OriginalAmount, &r.MileageUsed, &r.RefundFeeRate, &r.RefundFee, &r.RefundAmount, &r.MileageRefundAmount,
		&r.DepartureTime, &r.ArrivalTime, &r.RequestTime, &r.DelayMinutes, &r.RefundType, &r.Status, &r.Reason,
		&key, &r.GatewayTransactionID, &r.ApprovalNo, &r.FailureReason, &r.RetryCount,
		&unknownSince, &r.CreatedAt, &r.UpdatedAt, &processed)
	if err != nil {
		return r, mapError(err)
	}
	r.IdempotencyKey = nullText(key)
	r.UnknownSince = nullTime(unknownSince)
	r.ProcessedAt = nullTime(processed)
	return r, nil
}

// Create inserts the calculation unless the purchase or the idempotency key is taken.
func (d *RefundDB) Create(ctx context.Context, r *model.RefundCalculation) (bool, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	n, err := d.exec(ctx, psql.Insert("refund_calculations").
		Columns(refundColumns...).
		Values(r.ID, r.PurchaseID, r.MemberID, r.TrainScheduleID, r.Operator, r.PaymentTransactionID,
			r.OriginalAmount, r.MileageUsed, r.RefundFeeRate, r.RefundFee, r.RefundAmount, r.MileageRefundAmount,
			r.DepartureTime, r.ArrivalTime, r.RequestTime, r.DelayMinutes, r.RefundType, r.Status, r.Reason,
			textOrNull(r.IdempotencyKey), r.GatewayTransactionID, r.ApprovalNo, r.FailureReason, r.RetryCount,
			timeOrNull(r.UnknownSince), r.CreatedAt, r.UpdatedAt, timeOrNull(r.ProcessedAt)).
		Suffix("ON CONFLICT DO NOTHING"))
	return n == 1, err
}

func (d *RefundDB) one(ctx context.Context, where sq.Sqlizer) (*model.RefundCalculation, error) {
	row, err := d.queryRow(ctx, psql.Select(refundColumns...).From("refund_calculations").Where(where))
	if err != nil {
		return nil, err
	}
	r, err := scanRefund(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *RefundDB) list(ctx context.Context, b sq.SelectBuilder) ([]model.RefundCalculation, error) {
	rows, err := d.query(ctx, b)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRefund)
}

func (d *RefundDB) Get(ctx context.Context, id uuid.UUID) (*model.RefundCalculation, error) {
	return d.one(ctx, sq.Eq{"id": id})
}

func (d *RefundDB) GetByPurchase(ctx context.Context, purchaseID string) (*model.RefundCalculation, error) {
	return d.one(ctx, sq.Eq{"purchase_id": purchaseID})
}

func (d *RefundDB) GetByIdempotencyKey(ctx context.Context, key string) (*model.RefundCalculation, error) {
	return d.one(ctx, sq.Eq{"idempotency_key": key})
}

func (d *RefundDB) ListByMember(ctx context.Context, memberID int64) ([]model.RefundCalculation, error) {
	return d.list(ctx, psql.Select(refundColumns...).
		From("refund_calculations").
		Where(sq.Eq{"member_id": memberID}).
		OrderBy("created_at"))
}

func (d *RefundDB) ListByStatus(ctx context.Context, status model.RefundStatus, limit int) ([]model.RefundCalculation, error) {
	return d.list(ctx, psql.Select(refundColumns...).
		From("refund_calculations").
		Where(sq.Eq{"status": status}).
		OrderBy("created_at").
		Limit(uint64(limit)))
}

func (d *RefundDB) UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.RefundStatus, upd model.RefundUpdate) (bool, error) {
	b := psql.Update("refund_calculations").
		Set("status", to).
		Set("updated_at", upd.At).
		Where(sq.Eq{"id": id, "status": from})
	if upd.GatewayTransactionID != "" {
		b = b.Set("gateway_transaction_id", upd.GatewayTransactionID)
	}
	if upd.ApprovalNo != "" {
		b = b.Set("approval_no", upd.ApprovalNo)
	}
	if upd.FailureReason != "" {
		b = b.Set("failure_reason", upd.FailureReason)
	}
	if upd.IncrementRetry {
		b = b.Set("retry_count", sq.Expr("retry_count + 1"))
	}
	if to == model.RefundUnknown {
		b = b.Set("unknown_since", sq.Expr("COALESCE(unknown_since, ?)", upd.At))
	}
	if to.Terminal() {
		b = b.Set("processed_at", upd.At)
	}
	n, err := d.exec(ctx, b)
	return n == 1, err
}
