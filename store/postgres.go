package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/model"
	"github.com/fleetconductor/conductor/serial"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresStore is the production Store backed by Postgres via pgx's
// database/sql driver and sqlx for row scanning.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects using cfg.Store (§6) and verifies the connection.
func Open(cfg core.StoreConfig) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already-open handle; used by tests with sqlmock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "pgx")}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type jobRow struct {
	ID          int64          `db:"id"`
	Serial      string         `db:"serial"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	JobType     string         `db:"job_type"`
	Status      string         `db:"status"`
	CreatedBy   string         `db:"created_by"`
	TargetIDs   []byte         `db:"target_ids"` // JSON-encoded []int64
	ScheduledAt sql.NullTime   `db:"scheduled_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	IsDeleted   bool           `db:"is_deleted"`
	DeletedAt   sql.NullTime   `db:"deleted_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.Name == "" {
		return core.NewValidationError("Store.CreateJob", "name is required")
	}
	if len(job.TargetIDs) == 0 {
		return core.NewValidationError("Store.CreateJob", "at least one target is required")
	}

	existQuery, existArgs, err := sqlx.In(`SELECT count(DISTINCT id) FROM targets WHERE id IN (?)`, job.TargetIDs)
	if err != nil {
		return core.NewInternalError("Store.CreateJob", err)
	}
	var existing int
	if err := s.db.GetContext(ctx, &existing, s.db.Rebind(existQuery), existArgs...); err != nil {
		return core.NewInternalError("Store.CreateJob", err)
	}
	distinctWanted := map[int64]struct{}{}
	for _, id := range job.TargetIDs {
		distinctWanted[id] = struct{}{}
	}
	if existing != len(distinctWanted) {
		return core.NewValidationError("Store.CreateJob", "one or more referenced targets do not exist")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewInternalError("Store.CreateJob", err)
	}
	defer tx.Rollback()

	var jobSeq int
	if err := tx.GetContext(ctx, &jobSeq, `SELECT nextval('job_serial_seq')`); err != nil {
		return core.NewInternalError("Store.CreateJob", err)
	}
	job.Serial = serial.FormatJob(jobSeq)
	if job.Status == "" {
		job.Status = model.StatusDraft
	}

	targetIDsJSON, err := json.Marshal(job.TargetIDs)
	if err != nil {
		return core.NewInternalError("Store.CreateJob", err)
	}

	row := tx.QueryRowxContext(ctx, `
		INSERT INTO jobs (serial, name, description, job_type, status, created_by, target_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		job.Serial, job.Name, job.Description, job.JobType, job.Status, job.CreatedBy, targetIDsJSON)

	if err := row.Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return core.NewInternalError("Store.CreateJob", err)
	}

	for i := range job.Actions {
		job.Actions[i].ActionOrder = i + 1
		payload, err := json.Marshal(job.Actions[i].Payload)
		if err != nil {
			return core.NewInternalError("Store.CreateJob", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO actions (job_id, action_order, action_type, action_name, payload, capture_output)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			job.ID, job.Actions[i].ActionOrder, job.Actions[i].ActionType, job.Actions[i].ActionName,
			payload, job.Actions[i].Config.CaptureOutputOrDefault())
		if err != nil {
			return core.NewInternalError("Store.CreateJob", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("Store.GetJob", fmt.Sprint(jobID))
	}
	if err != nil {
		return nil, core.NewInternalError("Store.GetJob", err)
	}
	return s.hydrateJob(ctx, row)
}

func (s *PostgresStore) GetJobBySerial(ctx context.Context, sr string) (*model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE serial = $1`, sr)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("Store.GetJobBySerial", sr)
	}
	if err != nil {
		return nil, core.NewInternalError("Store.GetJobBySerial", err)
	}
	return s.hydrateJob(ctx, row)
}

func (s *PostgresStore) hydrateJob(ctx context.Context, row jobRow) (*model.Job, error) {
	job := &model.Job{
		ID: row.ID, Serial: row.Serial, Name: row.Name, Description: row.Description,
		JobType: row.JobType, Status: model.Status(row.Status), CreatedBy: row.CreatedBy,
		IsDeleted: row.IsDeleted, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if row.ScheduledAt.Valid {
		job.ScheduledAt = &row.ScheduledAt.Time
	}
	if row.StartedAt.Valid {
		job.StartedAt = &row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		job.CompletedAt = &row.CompletedAt.Time
	}
	if row.DeletedAt.Valid {
		job.DeletedAt = &row.DeletedAt.Time
	}
	if len(row.TargetIDs) > 0 {
		if err := json.Unmarshal(row.TargetIDs, &job.TargetIDs); err != nil {
			return nil, core.NewInternalError("Store.hydrateJob", err)
		}
	}

	var actionRows []struct {
		ID            int64  `db:"id"`
		ActionOrder   int    `db:"action_order"`
		ActionType    string `db:"action_type"`
		ActionName    string `db:"action_name"`
		Payload       []byte `db:"payload"`
		CaptureOutput bool   `db:"capture_output"`
	}
	if err := s.db.SelectContext(ctx, &actionRows, `
		SELECT id, action_order, action_type, action_name, payload, capture_output
		FROM actions WHERE job_id = $1 ORDER BY action_order`, job.ID); err != nil {
		return nil, core.NewInternalError("Store.hydrateJob", err)
	}
	for _, a := range actionRows {
		var payload model.CommandPayload
		if err := json.Unmarshal(a.Payload, &payload); err != nil {
			return nil, core.NewInternalError("Store.hydrateJob", err)
		}
		capture := a.CaptureOutput
		job.Actions = append(job.Actions, model.Action{
			ID: a.ID, ActionOrder: a.ActionOrder, ActionType: model.ActionType(a.ActionType),
			ActionName: a.ActionName, Payload: payload, Config: model.ActionConfig{CaptureOutput: &capture},
		})
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter ListJobsFilter) ([]model.Job, error) {
	query := `SELECT * FROM jobs WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.IncludeDeleted {
		query += ` AND is_deleted = false`
	}
	if filter.CreatedBy != "" {
		query += ` AND created_by = ` + arg(filter.CreatedBy)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, core.NewInternalError("Store.ListJobs", err)
	}
	out := make([]model.Job, 0, len(rows))
	for _, row := range rows {
		job, err := s.hydrateJob(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.Job) error {
	existing, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.Status != "" && job.Status != existing.Status {
		if err := model.ValidateJobTransition(existing.Status, job.Status, false); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewInternalError("Store.UpdateJob", err)
	}
	defer tx.Rollback()

	targetIDsJSON, err := json.Marshal(job.TargetIDs)
	if err != nil {
		return core.NewInternalError("Store.UpdateJob", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET name=$1, description=$2, status=$3, target_ids=$4, updated_at=now()
		WHERE id=$5`, job.Name, job.Description, job.Status, targetIDsJSON, job.ID)
	if err != nil {
		return core.NewInternalError("Store.UpdateJob", err)
	}

	// Actions are replaced wholesale inside the same transaction, rather
	// than diffed, to keep action_order dense without reconciling deletes.
	// action_results references actions with no ON DELETE CASCADE, so past
	// executions' results must be cleared first or the actions delete below
	// violates the foreign key (§9 design note).
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_results WHERE action_id IN (SELECT id FROM actions WHERE job_id = $1)`, job.ID); err != nil {
		return core.NewInternalError("Store.UpdateJob", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE job_id = $1`, job.ID); err != nil {
		return core.NewInternalError("Store.UpdateJob", err)
	}
	for i := range job.Actions {
		job.Actions[i].ActionOrder = i + 1
		payload, err := json.Marshal(job.Actions[i].Payload)
		if err != nil {
			return core.NewInternalError("Store.UpdateJob", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO actions (job_id, action_order, action_type, action_name, payload, capture_output)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			job.ID, job.Actions[i].ActionOrder, job.Actions[i].ActionType, job.Actions[i].ActionName,
			payload, job.Actions[i].Config.CaptureOutputOrDefault())
		if err != nil {
			return core.NewInternalError("Store.UpdateJob", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) ScheduleJob(ctx context.Context, jobID int64, at time.Time) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := model.ValidateJobTransition(job.Status, model.StatusScheduled, false); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status=$1, scheduled_at=$2, updated_at=now() WHERE id=$3`,
		model.StatusScheduled, at, jobID)
	if err != nil {
		return core.NewInternalError("Store.ScheduleJob", err)
	}
	return nil
}

// DeleteJob soft-deletes: ActionResults, Branches and Executions are kept
// for audit history; only the Job row is marked is_deleted (§8 soft-delete
// opacity). Child cascade-on-hard-delete ordering (ActionResult -> Branch ->
// Execution -> Action -> Job) is enforced by foreign key ON DELETE CASCADE
// in the schema, not exercised here.
func (s *PostgresStore) DeleteJob(ctx context.Context, jobID int64, force bool) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := model.ValidateJobTransition(job.Status, model.StatusDeleted, force); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status=$1, is_deleted=true, deleted_at=now(), updated_at=now() WHERE id=$2`,
		model.StatusDeleted, jobID)
	if err != nil {
		return core.NewInternalError("Store.DeleteJob", err)
	}
	return nil
}

func (s *PostgresStore) ExecuteJob(ctx context.Context, jobID int64, triggeredBy, triggeredByUser string) (*model.Execution, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsDeleted {
		return nil, core.NewStateConflictError("Store.ExecuteJob", job.Serial, "job is deleted")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.NewInternalError("Store.ExecuteJob", err)
	}
	defer tx.Rollback()

	var lockedStatus string
	if err := tx.GetContext(ctx, &lockedStatus, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID); err != nil {
		return nil, core.NewInternalError("Store.ExecuteJob", err)
	}
	if lockedStatus == string(model.StatusRunning) {
		return nil, core.NewStateConflictError("Store.ExecuteJob", job.Serial, "job already has an execution in progress")
	}

	var execNumber int
	if err := tx.GetContext(ctx, &execNumber, `
		SELECT COALESCE(MAX(execution_number), 0) + 1 FROM executions WHERE job_id = $1`, jobID); err != nil {
		return nil, core.NewInternalError("Store.ExecuteJob", err)
	}
	execSerial := serial.FormatExecution(job.Serial, execNumber)

	exec := &model.Execution{
		JobID: jobID, Serial: execSerial, ExecutionNumber: execNumber, Status: model.StatusRunning,
		TriggeredBy: triggeredBy, TriggeredByUser: triggeredByUser,
	}
	row := tx.QueryRowxContext(ctx, `
		INSERT INTO executions (serial, job_id, execution_number, status, triggered_by, triggered_by_user)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		exec.Serial, exec.JobID, exec.ExecutionNumber, exec.Status, exec.TriggeredBy, exec.TriggeredByUser)
	if err := row.Scan(&exec.ID, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		return nil, core.NewInternalError("Store.ExecuteJob", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status=$1, started_at=now(), updated_at=now() WHERE id=$2`,
		model.StatusRunning, jobID); err != nil {
		return nil, core.NewInternalError("Store.ExecuteJob", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, core.NewInternalError("Store.ExecuteJob", err)
	}
	return exec, nil
}

func (s *PostgresStore) GetExecutionByID(ctx context.Context, id int64) (*model.Execution, error) {
	return s.getExecution(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetExecutionBySerial(ctx context.Context, sr string) (*model.Execution, error) {
	return s.getExecution(ctx, `serial = $1`, sr)
}

func (s *PostgresStore) getExecution(ctx context.Context, where string, arg interface{}) (*model.Execution, error) {
	var row struct {
		ID                int64        `db:"id"`
		Serial            string       `db:"serial"`
		JobID             int64        `db:"job_id"`
		ExecutionNumber   int          `db:"execution_number"`
		Status            string       `db:"status"`
		ScheduledAt       sql.NullTime `db:"scheduled_at"`
		StartedAt         sql.NullTime `db:"started_at"`
		CompletedAt       sql.NullTime `db:"completed_at"`
		TriggeredBy       string       `db:"triggered_by"`
		TriggeredByUser   string       `db:"triggered_by_user"`
		TotalTargets      int          `db:"total_targets"`
		SuccessfulTargets int          `db:"successful_targets"`
		FailedTargets     int          `db:"failed_targets"`
		CancelledTargets  int          `db:"cancelled_targets"`
		CreatedAt         time.Time    `db:"created_at"`
		UpdatedAt         time.Time    `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE `+where, arg)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("Store.GetExecution", fmt.Sprint(arg))
	}
	if err != nil {
		return nil, core.NewInternalError("Store.GetExecution", err)
	}
	exec := &model.Execution{
		ID: row.ID, Serial: row.Serial, JobID: row.JobID, ExecutionNumber: row.ExecutionNumber,
		Status: model.Status(row.Status), TriggeredBy: row.TriggeredBy, TriggeredByUser: row.TriggeredByUser,
		TotalTargets: row.TotalTargets, SuccessfulTargets: row.SuccessfulTargets,
		FailedTargets: row.FailedTargets, CancelledTargets: row.CancelledTargets,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if row.ScheduledAt.Valid {
		exec.ScheduledAt = &row.ScheduledAt.Time
	}
	if row.StartedAt.Valid {
		exec.StartedAt = &row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		exec.CompletedAt = &row.CompletedAt.Time
	}
	return exec, nil
}

func (s *PostgresStore) ListJobExecutions(ctx context.Context, jobID int64) ([]model.Execution, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM executions WHERE job_id = $1 ORDER BY execution_number`, jobID); err != nil {
		return nil, core.NewInternalError("Store.ListJobExecutions", err)
	}
	out := make([]model.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecutionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, nil
}

func (s *PostgresStore) GetActionResults(ctx context.Context, branchID int64) ([]model.ActionResult, error) {
	var rows []struct {
		ID              int64        `db:"id"`
		Serial          string       `db:"serial"`
		BranchID        int64        `db:"branch_id"`
		ActionID        int64        `db:"action_id"`
		ActionOrder     int          `db:"action_order"`
		ActionName      string       `db:"action_name"`
		ActionType      string       `db:"action_type"`
		Status          string       `db:"status"`
		StartedAt       sql.NullTime `db:"started_at"`
		CompletedAt     sql.NullTime `db:"completed_at"`
		ExecutionTimeMS int64        `db:"execution_time_ms"`
		ResultOutput    sql.NullString `db:"result_output"`
		ResultError     sql.NullString `db:"result_error"`
		ExitCode        sql.NullInt64  `db:"exit_code"`
		CommandExecuted string         `db:"command_executed"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM action_results WHERE branch_id = $1 ORDER BY action_order`, branchID); err != nil {
		return nil, core.NewInternalError("Store.GetActionResults", err)
	}
	out := make([]model.ActionResult, 0, len(rows))
	for _, r := range rows {
		ar := model.ActionResult{
			ID: r.ID, Serial: r.Serial, BranchID: r.BranchID, ActionID: r.ActionID,
			ActionOrder: r.ActionOrder, ActionName: r.ActionName, ActionType: model.ActionType(r.ActionType),
			Status: model.ActionResultStatus(r.Status), ExecutionTimeMS: r.ExecutionTimeMS,
			CommandExecuted: r.CommandExecuted,
		}
		if r.StartedAt.Valid {
			ar.StartedAt = &r.StartedAt.Time
		}
		if r.CompletedAt.Valid {
			ar.CompletedAt = &r.CompletedAt.Time
		}
		if r.ResultOutput.Valid {
			ar.ResultOutput = &r.ResultOutput.String
		}
		if r.ResultError.Valid {
			ar.ResultError = &r.ResultError.String
		}
		if r.ExitCode.Valid {
			exit := int(r.ExitCode.Int64)
			ar.ExitCode = &exit
		}
		out = append(out, ar)
	}
	return out, nil
}

func (s *PostgresStore) GetTargets(ctx context.Context, targetIDs []int64) ([]model.Target, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, serial, name, os_type FROM targets WHERE id IN (?)`, targetIDs)
	if err != nil {
		return nil, core.NewInternalError("Store.GetTargets", err)
	}
	var rows []struct {
		ID     int64  `db:"id"`
		Serial string `db:"serial"`
		Name   string `db:"name"`
		OSType string `db:"os_type"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, core.NewInternalError("Store.GetTargets", err)
	}
	if len(rows) != len(targetIDs) {
		return nil, core.NewNotFoundError("Store.GetTargets", "one or more target_ids")
	}

	index := make(map[int64]int, len(rows))
	for i, row := range rows {
		index[row.ID] = i
	}
	out := make([]model.Target, len(targetIDs))
	for i, id := range targetIDs {
		row := rows[index[id]]
		out[i] = model.Target{ID: row.ID, Serial: row.Serial, Name: row.Name, OSType: row.OSType}
		methods, err := s.getCommunicationMethods(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		out[i].CommunicationMethods = methods
	}
	return out, nil
}

func (s *PostgresStore) getCommunicationMethods(ctx context.Context, targetID int64) ([]model.CommunicationMethod, error) {
	var rows []struct {
		ID         int64  `db:"id"`
		MethodType string `db:"method_type"`
		IsPrimary  bool   `db:"is_primary"`
		IsActive   bool   `db:"is_active"`
		Priority   int    `db:"priority"`
		Config     []byte `db:"config"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, method_type, is_primary, is_active, priority, config
		FROM communication_methods WHERE target_id = $1 ORDER BY priority`, targetID); err != nil {
		return nil, core.NewInternalError("Store.getCommunicationMethods", err)
	}
	out := make([]model.CommunicationMethod, len(rows))
	for i, row := range rows {
		var cfg map[string]interface{}
		if len(row.Config) > 0 {
			if err := json.Unmarshal(row.Config, &cfg); err != nil {
				return nil, core.NewInternalError("Store.getCommunicationMethods", err)
			}
		}
		creds, err := s.getCredentials(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		out[i] = model.CommunicationMethod{
			ID: row.ID, MethodType: row.MethodType, IsPrimary: row.IsPrimary,
			IsActive: row.IsActive, Priority: row.Priority, Config: cfg, Credentials: creds,
		}
	}
	return out, nil
}

func (s *PostgresStore) getCredentials(ctx context.Context, methodID int64) ([]model.Credential, error) {
	var rows []struct {
		ID                   int64  `db:"id"`
		CredentialType       string `db:"credential_type"`
		EncryptedCredentials []byte `db:"encrypted_credentials"`
		IsPrimary            bool   `db:"is_primary"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, credential_type, encrypted_credentials, is_primary
		FROM credentials WHERE communication_method_id = $1 ORDER BY is_primary DESC, id`, methodID); err != nil {
		return nil, core.NewInternalError("Store.getCredentials", err)
	}
	out := make([]model.Credential, len(rows))
	for i, row := range rows {
		out[i] = model.Credential{
			ID: row.ID, CredentialType: row.CredentialType,
			EncryptedCredentials: row.EncryptedCredentials, IsPrimary: row.IsPrimary,
		}
	}
	return out, nil
}

func (s *PostgresStore) SaveBranch(ctx context.Context, execution *model.Execution, branch *model.Branch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewInternalError("Store.SaveBranch", err)
	}
	defer tx.Rollback()

	if branch.ID == 0 {
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO branches (serial, execution_id, branch_number, target_id, target_serial_ref, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at`,
			branch.Serial, execution.ID, branch.BranchID, branch.TargetID, branch.TargetSerialRef, branch.Status)
		if err := row.Scan(&branch.ID, &branch.CreatedAt, &branch.UpdatedAt); err != nil {
			return core.NewInternalError("Store.SaveBranch", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE branches SET status=$1, started_at=$2, completed_at=$3,
				result_output=$4, result_error=$5, exit_code=$6, updated_at=now()
			WHERE id=$7`,
			branch.Status, branch.StartedAt, branch.CompletedAt,
			branch.ResultOutput, branch.ResultError, branch.ExitCode, branch.ID)
		if err != nil {
			return core.NewInternalError("Store.SaveBranch", err)
		}
	}

	for _, ar := range branch.ActionResults {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO action_results
				(serial, branch_id, action_id, action_order, action_name, action_type, status,
				 started_at, completed_at, execution_time_ms, result_output, result_error, exit_code, command_executed)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (serial) DO NOTHING`,
			ar.Serial, branch.ID, ar.ActionID, ar.ActionOrder, ar.ActionName, ar.ActionType, ar.Status,
			ar.StartedAt, ar.CompletedAt, ar.ExecutionTimeMS, ar.ResultOutput, ar.ResultError, ar.ExitCode, ar.CommandExecuted)
		if err != nil {
			return core.NewInternalError("Store.SaveBranch", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, execution *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status=$1, completed_at=$2,
			total_targets=$3, successful_targets=$4, failed_targets=$5, cancelled_targets=$6, updated_at=now()
		WHERE id=$7`,
		execution.Status, execution.CompletedAt, execution.TotalTargets,
		execution.SuccessfulTargets, execution.FailedTargets, execution.CancelledTargets, execution.ID)
	if err != nil {
		return core.NewInternalError("Store.UpdateExecutionStatus", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status=$1, completed_at=$2, updated_at=now()
		WHERE id = (SELECT job_id FROM executions WHERE id = $3)`,
		execution.Status, execution.CompletedAt, execution.ID)
	if err != nil {
		return core.NewInternalError("Store.UpdateExecutionStatus", err)
	}
	return nil
}
