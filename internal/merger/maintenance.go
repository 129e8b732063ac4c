package merger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/core"
)

// Publisher is anything the maintenance loop can hand a freshly rendered
// metrics buffer to once the epoch has moved; the HTTP layer implements
// this to swap its served copy without the merger knowing about gin.
type Publisher interface {
	Publish(buf string)
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(string)

func (f PublisherFunc) Publish(buf string) { f(buf) }

// Maintenance drives the three independent periodic sweeps the original
// DataManager.start_maintenance ran on its own ticker per task, plus the
// epoch-gated publish loop: here every schedule is a distinct cron entry
// so each sweep's cadence is independently configurable and visible in
// one place instead of four parallel goroutines each with a bespoke
// select loop.
type Maintenance struct {
	cfg    *config.Config
	log    *slog.Logger
	merger *Merger
	pub    Publisher

	cron *cron.Cron

	lastPublishedEpoch int64
	lastPublishedAt    time.Time

	// health records each sweep's last outcome ("ok" or a panic value),
	// keyed by task name, so /status can report which sweep last failed
	// without the HTTP layer knowing about cron internals.
	health *core.SafeMap
}

func NewMaintenance(cfg *config.Config, logger *slog.Logger, m *Merger, pub Publisher) *Maintenance {
	return &Maintenance{
		cfg:    cfg,
		log:    logger,
		merger: m,
		pub:    pub,
		cron:   cron.New(cron.WithSeconds()),
		health: core.NewSafeMap(),
	}
}

// Start registers every sweep with the cron scheduler and starts it.
// Returns an error if the scheduler rejects any of the interval-derived
// cron specs. A non-positive interval is scheduled as one second.
func (mt *Maintenance) Start(ctx context.Context) error {
	entries := []struct {
		name string
		d    time.Duration
		fn   func()
	}{
		{"job-timeout-sweep", mt.cfg.JobTimeoutCheckInterval, mt.merger.CompleteWithTimeout},
		{"gauge-recompute", mt.cfg.JobMetricsUpdateInterval, mt.merger.JobsMetricsUpdate},
		{"jid-cleanup", mt.cfg.JobJidsCleanupInterval, mt.merger.CleanupJobJIDs},
		{"metrics-publish", mt.cfg.JobMetricsUpdateInterval, mt.maybePublish},
	}

	for _, e := range entries {
		spec := intervalSpec(e.d)
		name := e.name
		fn := e.fn
		if _, err := mt.cron.AddFunc(spec, mt.wrap(name, fn)); err != nil {
			return fmt.Errorf("merger: scheduling %s every %s: %w", name, e.d, err)
		}
	}

	mt.cron.Start()
	go func() {
		<-ctx.Done()
		<-mt.cron.Stop().Done()
	}()
	return nil
}

func (mt *Maintenance) wrap(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				mt.log.Error("maintenance task panicked", "task", name, "panic", r)
				mt.health.Set(name, fmt.Sprintf("panic: %v", r))
				return
			}
			mt.health.Set(name, "ok")
		}()
		fn()
	}
}

// Health returns the last outcome of every registered sweep, keyed by
// task name ("ok" or "panic: ...").
func (mt *Maintenance) Health() map[string]string {
	out := make(map[string]string)
	mt.health.ForEach(func(k string, v interface{}) {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	})
	return out
}

// maybePublish republishes the serialized metrics buffer when the store's
// epoch has moved since the last publish, or unconditionally once
// MetricsPublishMaxInterval has elapsed even without a change — so a
// long-idle deployment still gets a periodic heartbeat scrape.
func (mt *Maintenance) maybePublish() {
	epoch := mt.merger.MetricsEpoch()
	stale := time.Since(mt.lastPublishedAt) >= mt.cfg.MetricsPublishMaxInterval
	if epoch == mt.lastPublishedEpoch && !stale {
		return
	}
	if time.Since(mt.lastPublishedAt) < mt.cfg.MetricsPublishMinInterval && !stale {
		return
	}
	mt.pub.Publish(mt.merger.MetricsBuf())
	mt.lastPublishedEpoch = epoch
	mt.lastPublishedAt = time.Now()
}

// intervalSpec renders a time.Duration as a robfig/cron seconds-field
// "@every" spec, the simplest way to express a fixed-period sweep without
// hand-rolling a ticker goroutine per task.
func intervalSpec(d time.Duration) string {
	if d <= 0 {
		d = time.Second
	}
	return "@every " + d.String()
}
