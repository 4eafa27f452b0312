package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	commitErr error
	rowErr    error
}

func (t *fakeTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return &fakeRow{scanFn: func(dest ...any) error {
		if t.rowErr != nil {
			return t.rowErr
		}
		*(dest[0].(*int64)) = 3
		return nil
	}}
}
func (t *fakeTx) Commit(_ context.Context) error   { return t.commitErr }
func (t *fakeTx) Rollback(_ context.Context) error { return nil }

type fakeBeginner struct {
	beginErr error
	tx       *fakeTx
}

func (b *fakeBeginner) Begin(_ context.Context) (Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestRetentionService_CleanupOldTasks_OK(t *testing.T) {
	svc := NewRetentionService(&fakeBeginner{tx: &fakeTx{}}, 1)
	require.NoError(t, svc.CleanupOldTasks(context.Background()))
}

func TestRetentionService_BeginError(t *testing.T) {
	svc := NewRetentionService(&fakeBeginner{beginErr: errors.New("begin")}, 1)
	assert.Error(t, svc.CleanupOldTasks(context.Background()))
}

func TestRetentionService_QueryError(t *testing.T) {
	svc := NewRetentionService(&fakeBeginner{tx: &fakeTx{rowErr: errors.New("query")}}, 1)
	assert.Error(t, svc.CleanupOldTasks(context.Background()))
}

func TestRetentionService_CommitError(t *testing.T) {
	svc := NewRetentionService(&fakeBeginner{tx: &fakeTx{commitErr: errors.New("commit")}}, 1)
	assert.Error(t, svc.CleanupOldTasks(context.Background()))
}

func TestNewRetentionService_DefaultsRetentionDays(t *testing.T) {
	svc := NewRetentionService(&fakeBeginner{tx: &fakeTx{}}, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}

func TestRetentionService_RunPeriodic_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	svc := NewRetentionService(&fakeBeginner{tx: &fakeTx{}}, 1)
	svc.RunPeriodic(ctx, 10*time.Millisecond)
}
