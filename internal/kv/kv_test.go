package kv

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"badger": b,
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "entity:missing")
			assert.ErrorIs(t, err, models.ErrNotFound)

			require.NoError(t, s.Put(ctx, "entity:1", []byte("one")))
			got, err := s.Get(ctx, "entity:1")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			require.NoError(t, s.Batch(ctx, []Op{
				PutOp("entity:2", []byte("two")),
				PutOp("entity:by-time:10:2", nil),
				PutOp("intelligence:9", []byte("nine")),
				DeleteOp("entity:1"),
			}))

			var keys []string
			require.NoError(t, s.Scan(ctx, "entity:", func(k string, _ []byte) error {
				keys = append(keys, k)
				return nil
			}))
			assert.Equal(t, []string{"entity:2", "entity:by-time:10:2"}, keys)

			require.NoError(t, s.Delete(ctx, "entity:2"))
			_, err = s.Get(ctx, "entity:2")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestScan_StopsOnCallbackError(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"a:1", "a:2", "a:3"} {
				require.NoError(t, s.Put(ctx, k, []byte(k)))
			}
			stop := errors.New("stop")
			visited := 0
			err := s.Scan(ctx, "a:", func(string, []byte) error {
				visited++
				if visited == 2 {
					return stop
				}
				return nil
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 2, visited)
		})
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, Permanent(err))
	assert.False(t, Permanent(errors.New("connection reset")))
}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgres_Get(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).
		WithArgs("entity:1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("payload")))
	got, err := p.Get(ctx, "entity:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).
		WithArgs("entity:2").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, err = p.Get(ctx, "entity:2")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Batch(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO intel_kv")).
		WithArgs("entity:1", []byte("v")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteQuery)).
		WithArgs("entity:old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Batch(context.Background(), []Op{PutOp("entity:1", []byte("v")), DeleteOp("entity:old")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BatchRollsBack(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO intel_kv")).
		WithArgs("entity:1", []byte("v")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := p.Batch(context.Background(), []Op{PutOp("entity:1", []byte("v")), PutOp("entity:2", []byte("w"))})
	require.Error(t, err)
	assert.False(t, Permanent(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Scan(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(scanQuery)).
		WithArgs(`entity:by\_time:%`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("entity:by_time:1", []byte("")).
			AddRow("entity:by_time:2", []byte("")))

	var keys []string
	err := p.Scan(context.Background(), "entity:by_time:", func(k string, _ []byte) error {
		keys = append(keys, k)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"entity:by_time:1", "entity:by_time:2"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLikePrefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"entity:", "entity:%"},
		{"a_b", `a\_b%`},
		{"100%", `100\%%`},
		{`back\slash`, `back\\slash%`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, likePrefix(tt.in))
	}
}
