package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusExecuted   = "executed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Result codes distinguish outcomes of an executed task.
const (
	ResultOK            = "ok"
	ResultNoResponses   = "no_responses"
	ResultFetchFailed   = "fetch_failed"
	ResultNotifyPartial = "notify_partial"
	ResultNotifyFailed  = "notify_failed"
)

// Targets lists where a tally summary is delivered.
type Targets struct {
	PushTargets []string `json:"push_targets,omitempty"`
	Emails      []string `json:"emails,omitempty"`
}

// Payload is everything the aggregation run needs. It never references
// conversation state.
type Payload struct {
	PrimaryURL   string  `json:"primary_url"`
	SecondaryURL string  `json:"secondary_url"`
	Title        string  `json:"title"`
	Targets      Targets `json:"targets"`
}

// Task is one scheduled aggregation with its claim and result state.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ExecuteAt      time.Time `json:"execute_at"`
	Payload        Payload   `json:"payload"`
	Status         string    `json:"status"`
	ResultCode     string    `json:"result_code,omitempty"`
	Attempt        int       `json:"attempt"`
	ClaimedAt      time.Time `json:"claimed_at,omitempty"`
	ClaimOwner     string    `json:"claim_owner,omitempty"`
	RemindedAt     time.Time `json:"reminded_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	decodeErr error
}

type RunRecord struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	ResultCode string    `json:"result_code"`
	Error      string    `json:"error,omitempty"`
	RunAt      time.Time `json:"run_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Store struct {
	conn *sql.DB
}

func NewStore(conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("schedule store: db connection is required")
	}
	return &Store{conn: conn}, nil
}

const taskColumns = `id, conversation_id, execute_at, payload_json, status, result_code, attempt,
	claimed_at, claim_owner, reminded_at, last_error, created_at, updated_at`

// Insert stores task unless a task with the same id already exists, in any
// status. It reports whether a row was written.
func (s *Store) Insert(ctx context.Context, task Task) (bool, error) {
	now := time.Now().UTC()
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return false, fmt.Errorf("schedule store: marshal payload: %w", err)
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO scheduled_tasks(
			id, conversation_id, execute_at, payload_json, status, attempt, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		task.ID,
		nullIfEmpty(task.ConversationID),
		task.ExecuteAt.UTC().Unix(),
		string(payloadJSON),
		StatusPending,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("schedule store: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// List returns the newest tasks first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	args := []interface{}{}
	if status = strings.TrimSpace(status); status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY execute_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = ? AND execute_at <= ?
		ORDER BY execute_at ASC
		LIMIT ?
	`, StatusPending, now.UTC().Unix(), limit)
}

// ListRemindable returns pending, not yet reminded tasks due in (now, until].
func (s *Store) ListRemindable(ctx context.Context, now, until time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = ? AND reminded_at IS NULL AND execute_at > ? AND execute_at <= ?
		ORDER BY execute_at ASC
		LIMIT ?
	`, StatusPending, now.UTC().Unix(), until.UTC().Unix(), limit)
}

// Claim moves a task from pending to in_progress. Only one caller can win;
// the others see false.
func (s *Store) Claim(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, claimed_at = ?, claim_owner = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusInProgress, now.UTC().Unix(), owner, now.UTC().Unix(), id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("schedule store: claim %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish records a terminal status for a claimed task.
func (s *Store) Finish(ctx context.Context, id, owner, status, resultCode string, attempt int, lastErr string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, result_code = ?, attempt = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claim_owner = ?
	`, status, nullIfEmpty(resultCode), attempt, nullIfEmpty(lastErr), time.Now().UTC().Unix(), id, StatusInProgress, owner)
	return expectOne(res, err, "finish", id)
}

// Requeue returns a claimed task to pending for another attempt at next.
func (s *Store) Requeue(ctx context.Context, id, owner string, next time.Time, attempt int, lastErr string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, execute_at = ?, attempt = ?, last_error = ?, claimed_at = NULL, claim_owner = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claim_owner = ?
	`, StatusPending, next.UTC().Unix(), attempt, nullIfEmpty(lastErr), time.Now().UTC().Unix(), id, StatusInProgress, owner)
	return expectOne(res, err, "requeue", id)
}

// ResetStale returns in_progress tasks claimed at or before cutoff to pending.
func (s *Store) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, claimed_at = NULL, claim_owner = NULL, updated_at = ?
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?
	`, StatusPending, time.Now().UTC().Unix(), StatusInProgress, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("schedule store: reset stale: %w", err)
	}
	return res.RowsAffected()
}

// Cancel moves a pending task to cancelled and reports whether it did.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, StatusCancelled, time.Now().UTC().Unix(), id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkReminded sets reminded_at once; a second call reports false.
func (s *Store) MarkReminded(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks SET reminded_at = ?, updated_at = ? WHERE id = ? AND reminded_at IS NULL
	`, at.UTC().Unix(), time.Now().UTC().Unix(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) AppendRun(ctx context.Context, record RunRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO task_runs(task_id, attempt, result_code, error, run_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, record.TaskID, record.Attempt, record.ResultCode, nullIfEmpty(record.Error), record.RunAt.UTC().Unix(), record.FinishedAt.UTC().Unix())
	return err
}

func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, task_id, attempt, result_code, error, run_at, finished_at
		FROM task_runs
		WHERE task_id = ?
		ORDER BY run_at DESC, id DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]RunRecord, 0)
	for rows.Next() {
		var item RunRecord
		var errText sql.NullString
		var runAt, finishedAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Attempt, &item.ResultCode, &errText, &runAt, &finishedAt); err != nil {
			return nil, err
		}
		item.Error = errText.String
		item.RunAt = time.Unix(runAt, 0).UTC()
		item.FinishedAt = time.Unix(finishedAt, 0).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]Task, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, task)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (Task, error) {
	var (
		task        Task
		convID      sql.NullString
		executeAt   int64
		payloadJSON string
		resultCode  sql.NullString
		claimedAt   sql.NullInt64
		claimOwner  sql.NullString
		remindedAt  sql.NullInt64
		lastErr     sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&task.ID,
		&convID,
		&executeAt,
		&payloadJSON,
		&task.Status,
		&resultCode,
		&task.Attempt,
		&claimedAt,
		&claimOwner,
		&remindedAt,
		&lastErr,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
		task.decodeErr = fmt.Errorf("%w: decode payload of %s: %v", errBadPayload, task.ID, err)
	}
	task.ConversationID = convID.String
	task.ExecuteAt = time.Unix(executeAt, 0).UTC()
	task.ResultCode = resultCode.String
	task.ClaimOwner = claimOwner.String
	task.LastError = lastErr.String
	if claimedAt.Valid {
		task.ClaimedAt = time.Unix(claimedAt.Int64, 0).UTC()
	}
	if remindedAt.Valid {
		task.RemindedAt = time.Unix(remindedAt.Int64, 0).UTC()
	}
	task.CreatedAt = time.Unix(createdAt, 0).UTC()
	task.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return task, nil
}

var errBadPayload = errors.New("schedule store: bad payload")

func expectOne(res sql.Result, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("schedule store: %s %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("schedule store: %s %s: claim lost", op, id)
	}
	return nil
}

func nullIfEmpty(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
