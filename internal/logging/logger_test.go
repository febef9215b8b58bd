package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestFieldKeys(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("stage done",
		RunID("run-1"), ItemID("item-1"), Stage("copywriting"), Provider("copy"), Worker("w-0"))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	require.Equal(t, "run-1", ctx["run_id"])
	require.Equal(t, "item-1", ctx["item_id"])
	require.Equal(t, "copywriting", ctx["stage"])
	require.Equal(t, "copy", ctx["provider"])
	require.Equal(t, "w-0", ctx["worker"])
}
