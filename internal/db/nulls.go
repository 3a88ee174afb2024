package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
)

func nullText(t pgtype.Text) string {
	if t.Status != pgtype.Present {
		return ""
	}
	return t.String
}

func nullTime(t pgtype.Timestamptz) *time.Time {
	if t.Status != pgtype.Present {
		return nil
	}
	v := t.Time
	return &v
}

func nullUUID(u pgtype.UUID) *uuid.UUID {
	if u.Status != pgtype.Present {
		return nil
	}
	v := uuid.UUID(u.Bytes)
	return &v
}

// textOrNull writes an empty string as NULL.
func textOrNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func uuidOrNull(u *uuid.UUID) any {
	if u == nil {
		return nil
	}
	return *u
}
