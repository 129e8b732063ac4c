package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saline-io/saline/internal/busclient"
	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/merger"
)

func TestPipelineParsesAndForwardsToMerger(t *testing.T) {
	cfg := config.Default()
	cfg.ReadersSubprocesses = 2
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	src := busclient.NewChannelSource()
	m := merger.New(cfg, logger)
	p := New(cfg, logger, src, m)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	src.In <- busclient.RawEvent{
		Tag: "salt/job/1/new",
		Data: map[string]any{
			"jid": "1", "fun": "test.ping", "minions": []any{"web1"}, "_stamp": "2024-01-01T00:00:00.000000",
		},
	}

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(true, true) && len(m.MetricsBuf()) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)

	buf := m.MetricsBuf()
	assert.Contains(t, buf, "salt_events_total")
}

func TestPipelineStatsReportsPoolSize(t *testing.T) {
	cfg := config.Default()
	cfg.ReadersSubprocesses = 3
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := busclient.NewChannelSource()
	m := merger.New(cfg, logger)
	p := New(cfg, logger, src, m)

	assert.Equal(t, 3, p.Stats().Pool.Workers)
}
