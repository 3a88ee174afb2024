package db

import (
	"errors"
	"testing"

	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreIdempotent(t *testing.T) {
	for _, stmt := range Migrations() {
		require.Regexp(t, `^(CREATE TABLE IF NOT EXISTS|CREATE (UNIQUE )?INDEX IF NOT EXISTS)`, stmt)
	}
}

func TestMapError(t *testing.T) {
	require.ErrorIs(t, mapError(pgx.ErrNoRows), model.ErrNotFound)

	dup := mapError(&pgconn.PgError{Code: "23505", ConstraintName: "refund_calculations_purchase_id_key"})
	require.ErrorIs(t, dup, model.ErrDuplicate)
	require.Contains(t, dup.Error(), "refund_calculations_purchase_id_key")

	other := errors.New("connection reset")
	require.Equal(t, other, mapError(other))
}

func TestUpdateStatusStatement(t *testing.T) {
	query, args, err := psql.Update("refund_calculations").
		Set("status", model.RefundProcessing).
		Where(map[string]any{"id": "x", "status": model.RefundPending}).
		ToSql()
	require.NoError(t, err)
	require.Equal(t, "UPDATE refund_calculations SET status = $1 WHERE id = $2 AND status = $3", query)
	require.Len(t, args, 3)
}
