package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT count\(DISTINCT id\) FROM targets WHERE id IN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('job_serial_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(7))
	mock.ExpectQuery(`INSERT INTO jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(1), time.Now(), time.Now()))
	mock.ExpectExec(`INSERT INTO actions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	job := &model.Job{
		Name:      "patch-fleet",
		TargetIDs: []int64{10, 11},
		Actions: []model.Action{
			{ActionType: model.ActionTypeCommand, ActionName: "apt-update", Payload: model.CommandPayload{Command: "apt update"}},
		},
	}
	err := s.CreateJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "J-000007", job.Serial)
	assert.Equal(t, int64(1), job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_RollsBackOnInsertActionFailure(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT count\(DISTINCT id\) FROM targets WHERE id IN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('job_serial_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(1), time.Now(), time.Now()))
	mock.ExpectExec(`INSERT INTO actions`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	job := &model.Job{
		Name:      "broken",
		TargetIDs: []int64{10},
		Actions:   []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "x"}}},
	}
	err := s.CreateJob(ctx, job)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_ValidatesBeforeTouchingDB(t *testing.T) {
	s, mock := newMockStore(t)
	err := s.CreateJob(context.Background(), &model.Job{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet()) // no queries should have been issued
}

func TestPostgresStore_CreateJob_ValidatesTargetsExist(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(DISTINCT id\) FROM targets WHERE id IN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	job := &model.Job{Name: "ghost-target", TargetIDs: []int64{10, 11}}
	err := s.CreateJob(context.Background(), job)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExecuteJob_RejectsDoubleExecuteWhileRunning(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	jobCols := []string{"id", "serial", "name", "description", "job_type", "status", "created_by",
		"target_ids", "scheduled_at", "started_at", "completed_at", "is_deleted", "deleted_at", "created_at", "updated_at"}
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			int64(1), "J-000001", "patch", "", "command", "running", "alice",
			[]byte(`[10]`), nil, nil, nil, false, nil, now, now))
	mock.ExpectQuery(`SELECT id, action_order, action_type, action_name, payload, capture_output FROM actions`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action_order", "action_type", "action_name", "payload", "capture_output"}))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectRollback()

	_, err := s.ExecuteJob(ctx, 1, "api", "alice")
	require.Error(t, err)
	assert.True(t, core.IsStateConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJob_ClearsActionResultsBeforeActions(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	jobCols := []string{"id", "serial", "name", "description", "job_type", "status", "created_by",
		"target_ids", "scheduled_at", "started_at", "completed_at", "is_deleted", "deleted_at", "created_at", "updated_at"}
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			int64(1), "J-000001", "patch", "", "command", "completed", "alice",
			[]byte(`[10]`), nil, nil, nil, false, nil, now, now))
	mock.ExpectQuery(`SELECT id, action_order, action_type, action_name, payload, capture_output FROM actions`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action_order", "action_type", "action_name", "payload", "capture_output"}))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM action_results WHERE action_id IN`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM actions WHERE job_id = \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO actions`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	job := &model.Job{
		ID: 1, Name: "patch", TargetIDs: []int64{10},
		Actions: []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "apt update"}}},
	}
	require.NoError(t, s.UpdateJob(ctx, job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetJob(context.Background(), 42)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
