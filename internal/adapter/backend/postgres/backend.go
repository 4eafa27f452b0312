package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/backend"
	"github.com/fairyhunter13/taskqueue/internal/domain"
)

var tracer = otel.Tracer("taskqueue/backend/postgres")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id       TEXT PRIMARY KEY,
	func_name     TEXT NOT NULL,
	payload       BYTEA NOT NULL,
	status        TEXT NOT NULL,
	available_at  TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	result_value  BYTEA,
	error_message TEXT,
	traceback     TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_reserve ON tasks (status, available_at, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

// Pool is the subset of *pgxpool.Pool the Backend needs, narrowed so
// tests can substitute a fake.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Backend is the pgx-backed domain.Backend realization.
type Backend struct {
	dsn  string
	pool Pool
	cb   *observability.CircuitBreaker
}

// New returns a Backend that will dial dsn on Connect.
func New(dsn string) *Backend {
	return &Backend{
		dsn: dsn,
		cb:  observability.GetCircuitBreaker("backend.postgres", 5, 30*time.Second),
	}
}

// NewWithPool wraps an already-open pool, used by tests.
func NewWithPool(pool Pool) *Backend {
	return &Backend{
		pool: pool,
		cb:   observability.GetCircuitBreaker("backend.postgres", 5, 30*time.Second),
	}
}

func (b *Backend) Connect(ctx context.Context) error {
	if b.pool == nil {
		pool, err := NewPool(ctx, b.dsn)
		if err != nil {
			return &backend.ConnectionError{Op: "postgres.connect", Cause: err}
		}
		b.pool = pool
	}
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return backend.Wrap("postgres.connect", "", err)
	}
	return nil
}

// Pool returns the underlying *pgxpool.Pool, or nil if Connect has not
// dialed a real pool (e.g. when constructed via NewWithPool in tests).
// Intended for wiring ancillary services, such as RetentionService, that
// need their own transactions against the same database.
func (b *Backend) Pool() *pgxpool.Pool {
	pool, _ := b.pool.(*pgxpool.Pool)
	return pool
}

func (b *Backend) Close(ctx context.Context) error {
	if pool, ok := b.pool.(*pgxpool.Pool); ok && pool != nil {
		pool.Close()
	}
	return nil
}

func (b *Backend) Enqueue(ctx context.Context, task domain.Task) error {
	ctx, span := tracer.Start(ctx, "postgres.enqueue",
		trace.WithAttributes(attribute.String("db.operation", "insert"), attribute.String("db.sql.table", "tasks")))
	defer span.End()

	_, err := b.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, func_name, payload, status, available_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.FuncName, task.Payload, domain.StatusPending, task.AvailableAt.UTC(), task.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return backend.Wrap("postgres.enqueue", task.ID, domain.ErrConflict)
		}
		return backend.Wrap("postgres.enqueue", task.ID, err)
	}
	return nil
}

// Reserve runs a single UPDATE ... FOR UPDATE SKIP LOCKED ... RETURNING
// statement: the subquery selects and row-locks the eligible set, the
// outer UPDATE claims it, and RETURNING hands back exactly the rows this
// call claimed. Two concurrent calls never see overlapping sets because
// SKIP LOCKED excludes rows already locked by another in-flight Reserve.
func (b *Backend) Reserve(ctx context.Context, maxItems int, now time.Time) ([]domain.ReservedTask, error) {
	ctx, span := tracer.Start(ctx, "postgres.reserve",
		trace.WithAttributes(attribute.String("db.operation", "update"), attribute.String("db.sql.table", "tasks")))
	defer span.End()

	var out []domain.ReservedTask
	err := b.cb.Call(func() error {
		rows, err := b.pool.Query(ctx, `
			UPDATE tasks SET status = $1, started_at = $2
			WHERE task_id IN (
				SELECT task_id FROM tasks
				WHERE status = $3 AND available_at <= $2
				ORDER BY available_at, created_at
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING task_id, func_name, payload`,
			domain.StatusReserved, now.UTC(), domain.StatusPending, maxItems)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rt domain.ReservedTask
			if err := rows.Scan(&rt.TaskID, &rt.FuncName, &rt.Payload); err != nil {
				return err
			}
			rt.StartedAt = now
			out = append(out, rt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, backend.Wrap("postgres.reserve", "", err)
	}
	return out, nil
}

func (b *Backend) MarkSuccess(ctx context.Context, taskID string, value []byte, finishedAt time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, result_value = $2, finished_at = $3
		WHERE task_id = $4 AND status = $5`,
		domain.StatusSuccess, value, finishedAt.UTC(), taskID, domain.StatusReserved)
	return finalizeErr(tag, err, "postgres.mark_success", taskID)
}

func (b *Backend) MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, error_message = $2, traceback = $3, finished_at = $4
		WHERE task_id = $5 AND status = $6`,
		domain.StatusFailed, errMsg, traceback, finishedAt.UTC(), taskID, domain.StatusReserved)
	return finalizeErr(tag, err, "postgres.mark_failure", taskID)
}

func finalizeErr(tag pgconn.CommandTag, err error, op, taskID string) error {
	if err != nil {
		return backend.Wrap(op, taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return backend.Wrap(op, taskID, domain.ErrAlreadyFinal)
	}
	return nil
}

func (b *Backend) GetResult(ctx context.Context, taskID string) (*domain.Result, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT status, created_at, started_at, finished_at, result_value, error_message, traceback
		FROM tasks WHERE task_id = $1`, taskID)

	var (
		status                domain.Status
		createdAt             time.Time
		startedAt, finishedAt *time.Time
		resultValue           []byte
		errMsg, traceback     *string
	)
	if err := row.Scan(&status, &createdAt, &startedAt, &finishedAt, &resultValue, &errMsg, &traceback); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, backend.Wrap("postgres.get_result", taskID, err)
	}

	if status != domain.StatusSuccess && status != domain.StatusFailed {
		return nil, nil
	}

	res := &domain.Result{
		TaskID:     taskID,
		Status:     status,
		Value:      resultValue,
		EnqueuedAt: createdAt,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if errMsg != nil {
		res.Error = *errMsg
	}
	if traceback != nil {
		res.Traceback = *traceback
	}
	return res, nil
}
