package sqlutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sqlc-dev/pqtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (f *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

func TestRunTxCommits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}

	err := RunTx(context.Background(), b, func(pgx.Tx) error { return nil })
	require.NoError(t, err)
	assert.True(t, b.tx.committed)
	assert.False(t, b.tx.rolledBack)
}

func TestRunTxRollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")

	err := RunTx(context.Background(), b, func(pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, b.tx.committed)
	assert.True(t, b.tx.rolledBack)
}

func TestRunTxBeginFailure(t *testing.T) {
	b := &fakeBeginner{err: errors.New("no conn")}
	called := false

	err := RunTx(context.Background(), b, func(pgx.Tx) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("23505")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestNullableConverters(t *testing.T) {
	assert.False(t, ToTimestamptz(nil).Valid)
	now := time.Now()
	ts := ToTimestamptz(&now)
	require.True(t, ts.Valid)
	assert.Equal(t, now, *FromTimestamptz(ts))
	assert.Nil(t, FromTimestamptz(pgtype.Timestamptz{}))

	s := "err"
	assert.Equal(t, "err", *FromText(ToText(&s)))
	assert.Nil(t, FromText(ToText(nil)))

	n := 3
	assert.Equal(t, 3, *FromInt4(ToInt4(&n)))
	assert.Nil(t, FromInt4(ToInt4(nil)))
}

func TestJSONColumns(t *testing.T) {
	raw, err := ToNullRawMessage(map[string]string{"traceId": "t1"})
	require.NoError(t, err)
	assert.True(t, raw.Valid)

	m, err := StringMapFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"traceId": "t1"}, m)

	empty, err := ToNullRawMessage(map[string]string{})
	require.NoError(t, err)
	assert.False(t, empty.Valid)

	m, err = StringMapFromJSON(pqtype.NullRawMessage{})
	require.NoError(t, err)
	assert.Empty(t, m)

	passthrough, err := ToNullRawMessage(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(passthrough.RawMessage))

	_, err = StringMapFromJSON(pqtype.NullRawMessage{RawMessage: []byte(`[1]`), Valid: true})
	assert.Error(t, err)
}
