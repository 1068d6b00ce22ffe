package sqlutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sqlc-dev/pqtype"
)

// Helper functions for converting between Go types and nullable column types

// ToTimestamptz converts a Go time pointer to pgtype.Timestamptz
func ToTimestamptz(val *time.Time) pgtype.Timestamptz {
	if val == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *val, Valid: true}
}

// FromTimestamptz converts pgtype.Timestamptz to a Go time pointer
func FromTimestamptz(val pgtype.Timestamptz) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time
	return &t
}

// ToText converts a Go string pointer to pgtype.Text
func ToText(val *string) pgtype.Text {
	if val == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *val, Valid: true}
}

// FromText converts pgtype.Text to a Go string pointer
func FromText(val pgtype.Text) *string {
	if !val.Valid {
		return nil
	}
	s := val.String
	return &s
}

// FromInt4 converts pgtype.Int4 to a Go int pointer
func FromInt4(val pgtype.Int4) *int {
	if !val.Valid {
		return nil
	}
	i := int(val.Int32)
	return &i
}

// ToInt4 converts a Go int pointer to pgtype.Int4
func ToInt4(val *int) pgtype.Int4 {
	if val == nil {
		return pgtype.Int4{Valid: false}
	}
	return pgtype.Int4{Int32: int32(*val), Valid: true}
}

// ToNullRawMessage marshals v as a nullable JSON column. nil and empty maps become NULL.
func ToNullRawMessage(v any) (pqtype.NullRawMessage, error) {
	switch t := v.(type) {
	case nil:
		return pqtype.NullRawMessage{}, nil
	case map[string]string:
		if len(t) == 0 {
			return pqtype.NullRawMessage{}, nil
		}
	case json.RawMessage:
		return pqtype.NullRawMessage{RawMessage: t, Valid: len(t) > 0}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

// StringMapFromJSON decodes a nullable JSON object column into a string map.
func StringMapFromJSON(val pqtype.NullRawMessage) (map[string]string, error) {
	if !val.Valid || len(val.RawMessage) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal(val.RawMessage, &out); err != nil {
		return nil, fmt.Errorf("failed to decode json column: %w", err)
	}
	return out, nil
}
