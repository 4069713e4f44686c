package serve

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/navicane/navi/internal/state"
	"github.com/navicane/navi/internal/web"
	"github.com/navicane/navi/log2"
	tele_api "github.com/navicane/navi/tele"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeMain(t *testing.T) {
	t.Parallel()

	logs := web.NewLogBuffer(100)
	log := log2.NewWriter(logs, log2.LDebug)
	stub := tele_api.NewStub()
	ctx, g := state.NewContext(log, stub)
	ctx = context.WithValue(ctx, web.LogsContextKey, logs)
	ctx, cancel := context.WithCancel(ctx)
	config := state.DefaultConfig()
	config.UI.Listen = "127.0.0.1:0"

	errCh := make(chan error, 1)
	go func() { errCh <- Main(ctx, config) }()
	require.Eventually(t, func() bool {
		return logContains(logs, "web listen=127.0.0.1:")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"test/data", "device/NaviCane/alerts"}, stub.Config().Subscribe)

	stub.Deliver("test/data", []byte(`{"lat": 1, "lon": 2}`))
	_, ok := g.Store.Coordinates()
	assert.True(t, ok)

	cancel()
	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.False(t, stub.Stat().Connected)
	assert.True(t, g.Alive.IsFinished())
}

func TestServeMainGlobalStop(t *testing.T) {
	t.Parallel()

	logs := web.NewLogBuffer(100)
	log := log2.NewWriter(logs, log2.LDebug)
	stub := tele_api.NewStub()
	ctx, g := state.NewContext(log, stub)
	ctx = context.WithValue(ctx, web.LogsContextKey, logs)
	config := state.DefaultConfig()
	config.UI.Listen = "127.0.0.1:0"

	errCh := make(chan error, 1)
	go func() { errCh <- Main(ctx, config) }()
	require.Eventually(t, func() bool {
		return logContains(logs, "web listen=127.0.0.1:")
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, stub.Stat().Connected)

	g.Stop()
	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.True(t, logContains(logs, "web stop requested"))
	assert.True(t, g.Alive.IsFinished())
	assert.False(t, stub.Stat().Connected)
}

func TestServeMainStoppedBeforeListen(t *testing.T) {
	t.Parallel()

	stub := tele_api.NewStub()
	ctx, g := state.NewContext(log2.NewTest(t, log2.LDebug), stub)
	config := state.DefaultConfig()
	config.UI.Listen = "127.0.0.1:0"
	g.Stop()
	err := Main(ctx, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped before web listen")
	assert.False(t, stub.Stat().Connected)
}

func TestServeMainInvalidConfig(t *testing.T) {
	t.Parallel()

	ctx, _ := state.NewContext(log2.NewTest(t, log2.LDebug), tele_api.NewStub())
	config := state.DefaultConfig()
	config.Topics.Alert = config.Topics.Data
	err := Main(ctx, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve init")
}

func logContains(logs *web.LogBuffer, s string) bool {
	lines, _ := logs.Snapshot(0)
	for _, l := range lines {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}
