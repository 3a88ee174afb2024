package db

import (
	"context"

	"go.uber.org/zap"
)

// Migrations returns the schema statements in apply order. Each statement is idempotent.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS mileage_transactions (
			id             UUID PRIMARY KEY,
			member_id      BIGINT NOT NULL,
			related_id     TEXT,
			type           TEXT NOT NULL,
			points_amount  BIGINT NOT NULL CHECK (points_amount <> 0),
			balance_before BIGINT NOT NULL,
			balance_after  BIGINT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			expires_at     TIMESTAMPTZ,
			status         TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			processed_at   TIMESTAMPTZ,
			CHECK (balance_after = balance_before + points_amount)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mileage_tx_member ON mileage_transactions(member_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_mileage_tx_expiry ON mileage_transactions(expires_at) WHERE type = 'EARN' AND status = 'COMPLETED'`,
		`CREATE INDEX IF NOT EXISTS idx_mileage_tx_related ON mileage_transactions(member_id, related_id, type)`,

		`CREATE TABLE IF NOT EXISTS mileage_earning_schedules (
			id                          UUID PRIMARY KEY,
			purchase_id                 TEXT NOT NULL,
			member_id                   BIGINT NOT NULL,
			train_schedule_id           TEXT NOT NULL,
			original_amount             BIGINT NOT NULL,
			base_mileage_amount         BIGINT NOT NULL,
			delay_compensation_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
			delay_compensation_amount   BIGINT NOT NULL DEFAULT 0,
			total_mileage_amount        BIGINT NOT NULL,
			scheduled_earning_time      TIMESTAMPTZ NOT NULL,
			status                      TEXT NOT NULL,
			delay_minutes               INTEGER NOT NULL DEFAULT 0,
			base_transaction_id         UUID,
			compensation_transaction_id UUID,
			retry_count                 INTEGER NOT NULL DEFAULT 0,
			error_message               TEXT NOT NULL DEFAULT '',
			created_at                  TIMESTAMPTZ NOT NULL,
			updated_at                  TIMESTAMPTZ NOT NULL,
			processed_at                TIMESTAMPTZ,
			UNIQUE (purchase_id, member_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_status ON mileage_earning_schedules(status, scheduled_earning_time)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_train ON mileage_earning_schedules(train_schedule_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_member ON mileage_earning_schedules(member_id)`,

		`CREATE TABLE IF NOT EXISTS refund_calculations (
			id                     UUID PRIMARY KEY,
			purchase_id            TEXT NOT NULL UNIQUE,
			member_id              BIGINT NOT NULL,
			train_schedule_id      TEXT NOT NULL DEFAULT '',
			operator               TEXT NOT NULL DEFAULT '',
			payment_transaction_id TEXT NOT NULL DEFAULT '',
			original_amount        BIGINT NOT NULL,
			mileage_used           BIGINT NOT NULL DEFAULT 0,
			refund_fee_rate        DOUBLE PRECISION NOT NULL,
			refund_fee             BIGINT NOT NULL,
			refund_amount          BIGINT NOT NULL,
			mileage_refund_amount  BIGINT NOT NULL DEFAULT 0,
			departure_time         TIMESTAMPTZ NOT NULL,
			arrival_time           TIMESTAMPTZ NOT NULL,
			request_time           TIMESTAMPTZ NOT NULL,
			delay_minutes          INTEGER NOT NULL DEFAULT 0,
			refund_type            TEXT NOT NULL,
			status                 TEXT NOT NULL,
			reason                 TEXT NOT NULL DEFAULT '',
			idempotency_key        TEXT,
			gateway_transaction_id TEXT NOT NULL DEFAULT '',
			approval_no            TEXT NOT NULL DEFAULT '',
			failure_reason         TEXT NOT NULL DEFAULT '',
			retry_count            INTEGER NOT NULL DEFAULT 0,
			unknown_since          TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL,
			updated_at             TIMESTAMPTZ NOT NULL,
			processed_at           TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_refund_idempotency ON refund_calculations(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_refund_member ON refund_calculations(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refund_status ON refund_calculations(status, created_at)`,

		`CREATE TABLE IF NOT EXISTS outbox_events (
			id             UUID PRIMARY KEY,
			event_type     TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id   TEXT NOT NULL,
			payload        JSONB NOT NULL,
			status         TEXT NOT NULL,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			processed_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(status, created_at)`,
	}
}

// Migrate applies every statement in one transaction.
func (d *DB) Migrate(ctx context.Context) error {
	return d.WithinTx(ctx, func(ctx context.Context) error {
		for i, stmt := range Migrations() {
			if _, err := d.conn(ctx).Exec(ctx, stmt); err != nil {
				d.logger.Error("Migration error", zap.Error(err), zap.Int("statement", i))
				return err
			}
		}
		return nil
	})
}
