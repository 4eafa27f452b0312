// Package sqlite is the reference relational Backend realization: a
// single SQLite database in WAL mode, grounded on the reservation and
// pragma conventions used by drajk/backlite (a SQLite-backed task queue
// present in the retrieved pack) and adapted to this domain's atomic
// set-difference Reserve contract.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fairyhunter13/taskqueue/internal/backend"
	"github.com/fairyhunter13/taskqueue/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id       TEXT PRIMARY KEY,
	func_name     TEXT NOT NULL,
	payload       BLOB NOT NULL,
	status        TEXT NOT NULL,
	available_at  INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	finished_at   INTEGER,
	result_value  BLOB,
	error_message TEXT,
	traceback     TEXT,
	lease_worker  TEXT,
	lease_expires INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_reserve ON tasks (status, available_at, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

// Backend is the database/sql + mattn/go-sqlite3 Backend realization.
type Backend struct {
	path string
	db   *sql.DB
}

// New returns a Backend reading/writing the SQLite file at path. Use
// ":memory:" only for ephemeral single-connection testing: the in-memory
// mode does not survive Close.
func New(path string) *Backend {
	return &Backend{path: path}
}

func (b *Backend) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_txlock=immediate", b.path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return backend.Wrap("sqlite.connect", "", err)
	}
	// SQLite serializes writers regardless of pool size; a single
	// connection avoids "database is locked" churn under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return backend.Wrap("sqlite.connect", "", err)
	}
	b.db = db
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	return backend.Wrap("sqlite.close", "", b.db.Close())
}

func (b *Backend) Enqueue(ctx context.Context, task domain.Task) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, func_name, payload, status, available_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.FuncName, task.Payload, domain.StatusPending,
		task.AvailableAt.UTC().UnixNano(), task.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return backend.Wrap("sqlite.enqueue", task.ID, domain.ErrConflict)
		}
		return backend.Wrap("sqlite.enqueue", task.ID, err)
	}
	return nil
}

// Reserve runs one IMMEDIATE transaction: select eligible ids in order,
// update them to reserved, and return the rows that were actually
// claimed. SQLite's driver does not reliably compose RETURNING with a
// correlated subquery across versions, so ids are selected first and the
// rows re-read after the UPDATE, all inside the same write-exclusive
// transaction — no other writer can interleave.
func (b *Backend) Reserve(ctx context.Context, maxItems int, now time.Time) ([]domain.ReservedTask, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, backend.Wrap("sqlite.reserve", "", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT task_id FROM tasks
		WHERE status = ? AND available_at <= ?
		ORDER BY available_at, created_at
		LIMIT ?`, domain.StatusPending, now.UTC().UnixNano(), maxItems)
	if err != nil {
		return nil, backend.Wrap("sqlite.reserve", "", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, backend.Wrap("sqlite.reserve", "", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, backend.Wrap("sqlite.reserve", "", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	nowNano := now.UTC().UnixNano()
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, domain.StatusReserved, nowNano)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	updateSQL := fmt.Sprintf(`
		UPDATE tasks SET status = ?, started_at = ?
		WHERE task_id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, updateSQL, args...); err != nil {
		return nil, backend.Wrap("sqlite.reserve", "", err)
	}

	selectSQL := fmt.Sprintf(`
		SELECT task_id, func_name, payload FROM tasks
		WHERE task_id IN (%s)`, strings.Join(placeholders, ","))
	rows, err = tx.QueryContext(ctx, selectSQL, ids2args(ids)...)
	if err != nil {
		return nil, backend.Wrap("sqlite.reserve", "", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.ReservedTask, len(ids))
	for rows.Next() {
		var rt domain.ReservedTask
		if err := rows.Scan(&rt.TaskID, &rt.FuncName, &rt.Payload); err != nil {
			return nil, backend.Wrap("sqlite.reserve", "", err)
		}
		rt.StartedAt = now
		byID[rt.TaskID] = rt
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Wrap("sqlite.reserve", "", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, backend.Wrap("sqlite.reserve", "", err)
	}

	out := make([]domain.ReservedTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

func ids2args(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (b *Backend) MarkSuccess(ctx context.Context, taskID string, value []byte, finishedAt time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result_value = ?, finished_at = ?
		WHERE task_id = ? AND status = ?`,
		domain.StatusSuccess, value, finishedAt.UTC().UnixNano(), taskID, domain.StatusReserved)
	return finalizeErr(res, err, "sqlite.mark_success", taskID)
}

func (b *Backend) MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_message = ?, traceback = ?, finished_at = ?
		WHERE task_id = ? AND status = ?`,
		domain.StatusFailed, errMsg, traceback, finishedAt.UTC().UnixNano(), taskID, domain.StatusReserved)
	return finalizeErr(res, err, "sqlite.mark_failure", taskID)
}

func finalizeErr(res sql.Result, err error, op, taskID string) error {
	if err != nil {
		return backend.Wrap(op, taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return backend.Wrap(op, taskID, err)
	}
	if n == 0 {
		return backend.Wrap(op, taskID, domain.ErrAlreadyFinal)
	}
	return nil
}

func (b *Backend) GetResult(ctx context.Context, taskID string) (*domain.Result, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT status, available_at, created_at, started_at, finished_at,
		       result_value, error_message, traceback
		FROM tasks WHERE task_id = ?`, taskID)

	var (
		status                         domain.Status
		availableAtNano, createdAtNano int64
		startedAtNano, finishedAtNano  sql.NullInt64
		resultValue                    []byte
		errMsg, traceback              sql.NullString
	)
	if err := row.Scan(&status, &availableAtNano, &createdAtNano, &startedAtNano, &finishedAtNano,
		&resultValue, &errMsg, &traceback); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, backend.Wrap("sqlite.get_result", taskID, err)
	}

	if status != domain.StatusSuccess && status != domain.StatusFailed {
		return nil, nil
	}

	result := &domain.Result{
		TaskID:     taskID,
		Status:     status,
		Value:      resultValue,
		Error:      errMsg.String,
		Traceback:  traceback.String,
		EnqueuedAt: time.Unix(0, createdAtNano).UTC(),
	}
	if startedAtNano.Valid {
		t := time.Unix(0, startedAtNano.Int64).UTC()
		result.StartedAt = &t
	}
	if finishedAtNano.Valid {
		t := time.Unix(0, finishedAtNano.Int64).UTC()
		result.FinishedAt = &t
	}
	return result, nil
}
