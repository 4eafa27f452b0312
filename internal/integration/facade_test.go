package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/memory"
	"github.com/fairyhunter13/taskqueue/internal/codec"
	"github.com/fairyhunter13/taskqueue/internal/facade"
	"github.com/fairyhunter13/taskqueue/internal/registry"
	"github.com/fairyhunter13/taskqueue/internal/worker"
)

func multiplyFunc(_ context.Context, args []any, _ map[string]any) (any, error) {
	return toInt(args[0]) * toInt(args[1]), nil
}

// TestS6_SyncFacadeRoundTrip enters the façade from a goroutine with no
// running scheduler, enqueues multiply(6, 7), runs a worker against the
// same backend from a separate goroutine, and asserts GetResult returns
// 42 through the façade's blocking API.
func TestS6_SyncFacadeRoundTrip(t *testing.T) {
	reg := registry.New()
	reg.MustRegister("multiply", multiplyFunc)

	ctx := context.Background()
	b := memory.New()

	f, closeFacade, err := facade.Open(ctx, b, codec.NewJSONCodec(), facade.WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFacade() })

	w := worker.New(b, codec.NewJSONCodec(), reg)
	w.PollInterval = 20 * time.Millisecond
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	require.NoError(t, facade.Enter(ctx))

	taskID, err := f.Enqueue(ctx, "multiply", []any{6, 7}, nil, time.Time{})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	value, err := f.GetResult(waitCtx, taskID)
	require.NoError(t, err)
	require.Equal(t, float64(42), value)
}
