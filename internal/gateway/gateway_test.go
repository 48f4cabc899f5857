package gateway_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandori-ai/dandori/internal/gateway"
	"github.com/dandori-ai/dandori/internal/testutil"
)

func TestStatic_EchoesInvocation(t *testing.T) {
	gw := gateway.NewStatic(testutil.TestLogger())

	res, err := gw.Invoke(context.Background(), "av", "restart_encoder", map[string]any{"channel": "encoder-1"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "av", res.Data["tool"])
	assert.Equal(t, "restart_encoder", res.Data["action"])
	assert.Equal(t, true, res.Data["echo"])
}

func TestStatic_HonorsCanceledContext(t *testing.T) {
	gw := gateway.NewStatic(testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Invoke(ctx, "av", "restart_encoder", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvokerFunc(t *testing.T) {
	called := false
	gw := gateway.InvokerFunc(func(_ context.Context, tool, action string, _ map[string]any) (gateway.Result, error) {
		called = true
		return gateway.Result{OK: true, Data: map[string]any{"tool": tool, "action": action}}, nil
	})

	res, err := gw.Invoke(context.Background(), "note", "record", nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "note", res.Data["tool"])
}
