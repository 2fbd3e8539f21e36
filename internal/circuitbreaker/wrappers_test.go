package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockDB(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewDatabaseWrapper(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapperRebindsPlaceholders(t *testing.T) {
	w, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE evidence_items SET usage_count = usage_count \+ \$1 WHERE id = \$2`).
		WithArgs(1, "ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	res, err := w.ExecContext(ctx, "UPDATE evidence_items SET usage_count = usage_count + ? WHERE id = ?", 1, "ev-1")
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.Equal(t, int64(1), n)

	mock.ExpectQuery(`SELECT id FROM evidence_items WHERE execution_id = \$1`).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("ev-1").AddRow("ev-2"))
	var ids []string
	require.NoError(t, w.SelectContext(ctx, &ids, "SELECT id FROM evidence_items WHERE execution_id = ?", "exec-1"))
	assert.Equal(t, []string{"ev-1", "ev-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapperNoRowsKeepsBreakerClosed(t *testing.T) {
	w, mock := newMockDB(t)
	for i := 0; i < 8; i++ {
		mock.ExpectQuery("SELECT body FROM reports").WillReturnError(sql.ErrNoRows)
		var body string
		err := w.GetContext(context.Background(), &body, "SELECT body FROM reports WHERE id = ?", "rep-1")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	}
	assert.False(t, w.Tripped())
}

func TestDatabaseWrapperTransaction(t *testing.T) {
	w, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO citations \(id\) VALUES \(\$1\)`).WithArgs("cit-1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := w.BeginTxx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "INSERT INTO citations (id) VALUES (?)", "cit-1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapperTripsOnConnectionErrors(t *testing.T) {
	w, mock := newMockDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		assert.Error(t, w.PingContext(ctx))
	}
	require.True(t, w.Tripped())
	assert.True(t, IsRejection(w.PingContext(ctx)))
	assert.Equal(t, "postgres", w.DriverName())
}

func TestRedisWrapper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	w := NewRedisWrapper(client, "embedding-cache", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, w.Ping(ctx).Err())
	require.NoError(t, w.Set(ctx, "emb:abc", "vector", time.Minute).Err())
	got, err := w.Get(ctx, "emb:abc").Result()
	require.NoError(t, err)
	assert.Equal(t, "vector", got)

	for i := 0; i < 5; i++ {
		assert.Equal(t, redis.Nil, w.Get(ctx, "emb:missing").Err())
	}
	assert.False(t, w.Tripped())
}

func TestRedisWrapperTripsWhenServerGone(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	w := NewRedisWrapper(client, "embedding-cache", zaptest.NewLogger(t))
	ctx := context.Background()

	mr.Close()
	for i := 0; i < 3; i++ {
		assert.Error(t, w.Get(ctx, "emb:abc").Err())
	}
	require.True(t, w.Tripped())
	assert.True(t, IsRejection(w.Get(ctx, "emb:abc").Err()))
}

func TestHTTPWrapperStatusHandling(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		tripped bool
	}{
		{"server errors trip", http.StatusBadGateway, true},
		{"rate limits do not trip", http.StatusTooManyRequests, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			hw := NewHTTPWrapper(srv.Client(), "search-"+tt.name, "tools", zaptest.NewLogger(t))
			for i := 0; i < 3; i++ {
				req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
				resp, err := hw.Do(req)
				require.NoError(t, err)
				assert.Equal(t, tt.status, resp.StatusCode)
				resp.Body.Close()
			}
			assert.Equal(t, tt.tripped, hw.Tripped())

			if tt.tripped {
				req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
				_, err := hw.Do(req)
				assert.True(t, IsRejection(err))
			}
		})
	}
}
