package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

var columnNames = []string{
	"id", "user_id", "organization_id", "name", "provider", "region", "server_type",
	"max_concurrent_jobs", "credential", "api_key_hash", "status", "status_reason",
	"status_detail", "provider_server_id", "ip_address", "last_heartbeat", "cpu_usage", "memory_usage",
	"created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func runnerRow(id string, status runner.Status, serverID, ip any) []driver.Value {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []driver.Value{
		id, "user-1", nil, "build-box", "hetzner", "fsn1", "cx22",
		2, []byte("sealed"), "", string(status), "", "",
		serverID, ip, nil, nil, nil,
		now, now,
	}
}

func TestCreate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	r := &runner.Runner{
		ID: "r-1", UserID: "user-1", Name: "build-box", Provider: "hetzner",
		MaxConcurrentJobs: 1, Credential: []byte("sealed"), Status: runner.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO runners`).
		WithArgs("r-1", "user-1", nil, "build-box", "hetzner", "", "", 1, []byte("sealed"), "",
			"pending", "", "", nil, nil, nil, nil, nil, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_ScansNullableColumns(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM runners WHERE id = \$1`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(runnerRow("r-1", runner.StatusActive, "42", "203.0.113.7")...))

	r, err := store.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusActive, r.Status)
	require.NotNil(t, r.ProviderServerID)
	assert.Equal(t, "42", *r.ProviderServerID)
	require.NotNil(t, r.IPAddress)
	assert.Equal(t, "203.0.113.7", *r.IPAddress)
	assert.Nil(t, r.OrganizationID)
	assert.Nil(t, r.LastHeartbeat)
	assert.Nil(t, r.CPUUsage)
}

func TestGet_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM runners WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUpdate_ConditionalSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	q := regexp.QuoteMeta(`UPDATE runners SET status = $1, status_reason = $2, updated_at = NOW() WHERE id = $3 AND status = ANY($4) RETURNING`)
	mock.ExpectQuery(q).
		WithArgs("validating_credential", "", "r-1", pq.Array([]string{"pending", "error"})).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(runnerRow("r-1", runner.StatusValidatingCredential, nil, nil)...))

	r, err := store.Update(context.Background(), "r-1", runner.Patch{
		Status:       runner.Ptr(runner.StatusValidatingCredential),
		StatusReason: runner.Ptr(""),
	}, runner.StatusPending, runner.StatusError)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusValidatingCredential, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_Conflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE runners SET status = \$1`).
		WillReturnRows(sqlmock.NewRows(columnNames))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.Update(context.Background(), "r-1", runner.Patch{
		Status: runner.Ptr(runner.StatusValidatingCredential),
	}, runner.StatusPending)
	assert.ErrorIs(t, err, registry.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_MissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE runners SET`).
		WillReturnRows(sqlmock.NewRows(columnNames))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.Update(context.Background(), "gone", runner.Patch{
		IPAddress: runner.Ptr("198.51.100.1"),
	}, runner.StatusAwaitingNetwork)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUpdate_StatusDetail(t *testing.T) {
	store, mock := newMockStore(t)

	q := regexp.QuoteMeta(`UPDATE runners SET status = $1, status_reason = $2, status_detail = $3, updated_at = NOW() WHERE id = $4 AND status = ANY($5) RETURNING`)
	mock.ExpectQuery(q).
		WithArgs("error", "bootstrap failed", "curl: (6) could not resolve host", "r-1", pq.Array([]string{"bootstrapping"})).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(runnerRow("r-1", runner.StatusError, "42", "203.0.113.7")...))

	_, err := store.Update(context.Background(), "r-1", runner.Patch{
		Status:       runner.Ptr(runner.StatusError),
		StatusReason: runner.Ptr("bootstrap failed"),
		StatusDetail: runner.Ptr("curl: (6) could not resolve host"),
	}, runner.StatusBootstrapping)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_Unconditional(t *testing.T) {
	store, mock := newMockStore(t)

	q := regexp.QuoteMeta(`UPDATE runners SET credential = $1, updated_at = NOW() WHERE id = $2 RETURNING`)
	mock.ExpectQuery(q).
		WithArgs([]byte("new-sealed"), "r-1").
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(runnerRow("r-1", runner.StatusError, nil, nil)...))

	_, err := store.Update(context.Background(), "r-1", runner.Patch{Credential: []byte("new-sealed")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_RejectsInvalidStatus(t *testing.T) {
	store, mock := newMockStore(t)

	_, err := store.Update(context.Background(), "r-1", runner.Patch{Status: runner.Ptr(runner.Status("provisioning"))})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no query should be issued")
}

func TestRecordHeartbeat(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE runners\s+SET last_heartbeat = \$1, cpu_usage = \$2, memory_usage = \$3\s+WHERE id = \$4 AND status = ANY\(\$5\)`).
		WithArgs(at, 12.5, 40.0, "r-1", pq.Array([]string{"bootstrapping", "active"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RecordHeartbeat(context.Background(), "r-1",
		runner.Heartbeat{At: at, CPUUsage: 12.5, MemoryUsage: 40},
		runner.StatusBootstrapping, runner.StatusActive)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHeartbeat_WrongStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE runners`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.RecordHeartbeat(context.Background(), "r-1", runner.Heartbeat{At: time.Now()}, runner.StatusActive)
	assert.ErrorIs(t, err, registry.ErrConflict)
}

func TestDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM runners WHERE id = \$1`).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(context.Background(), "r-1"))

	mock.ExpectExec(`DELETE FROM runners WHERE id = \$1`).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Delete(context.Background(), "r-1"), registry.ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM runners WHERE status = ANY\(\$1\)`).
		WithArgs(pq.Array([]string{"creating_server"})).
		WillReturnRows(sqlmock.NewRows(columnNames).
			AddRow(runnerRow("r-1", runner.StatusCreatingServer, nil, nil)...).
			AddRow(runnerRow("r-2", runner.StatusCreatingServer, "7", nil)...))

	got, err := store.ListByStatus(context.Background(), runner.StatusCreatingServer)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r-2", got[1].ID)
}

func TestListByUser_QueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM runners WHERE user_id = \$1`).
		WithArgs("user-1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.ListByUser(context.Background(), "user-1")
	assert.Error(t, err)
}
