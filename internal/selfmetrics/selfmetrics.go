// Package selfmetrics is Saline's secondary, self-observability metrics
// registry: process/host health (goroutines, memory, CPU, load) served
// on its own Prometheus endpoint, separate from the primary salt_*
// registry in metricstore — which intentionally stays hand-rolled so it
// can implement the epoch/Move semantics client_golang doesn't offer.
// Grounded on the teacher's internal/telemetry Metrics/Server pair, with
// host sampling moved from its shell-exec internal/agent/sysinfo.go onto
// gopsutil.
package selfmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/saline-io/saline/internal/pipeline"
)

// Metrics holds every self-observability gauge/counter Saline exposes
// about its own process and host, independent of the salt_* registry.
type Metrics struct {
	GoRoutines      prometheus.Gauge
	MemoryAllocated prometheus.Gauge
	Uptime          prometheus.Gauge
	BuildInfo       *prometheus.GaugeVec

	HostCPUPercent  prometheus.Gauge
	HostLoad1       prometheus.Gauge
	HostMemUsed     prometheus.Gauge
	HostMemPercent  prometheus.Gauge

	PipelinePoolActive    prometheus.Gauge
	PipelinePoolQueued    prometheus.Gauge
	PipelinePoolCompleted prometheus.Gauge
	PipelinePoolFailed    prometheus.Gauge
	PipelineDropped       prometheus.Gauge

	startTime time.Time
}

func newMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		GoRoutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_goroutines", Help: "Number of goroutines currently running.",
		}),
		MemoryAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_memory_allocated_bytes", Help: "Process memory allocated, in bytes.",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_uptime_seconds", Help: "Saline process uptime in seconds.",
		}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saline_self_build_info", Help: "Build information, value is always 1.",
		}, []string{"version", "os", "arch"}),

		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_host_cpu_percent", Help: "Host-wide CPU utilization percentage.",
		}),
		HostLoad1: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_host_load1", Help: "Host 1-minute load average.",
		}),
		HostMemUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_host_memory_used_bytes", Help: "Host memory in use, in bytes.",
		}),
		HostMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_host_memory_percent", Help: "Host memory utilization percentage.",
		}),

		PipelinePoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_pipeline_pool_active", Help: "Parser pool workers currently busy.",
		}),
		PipelinePoolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_pipeline_pool_queued", Help: "Parser pool tasks queued.",
		}),
		PipelinePoolCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_pipeline_pool_completed_total", Help: "Parser pool tasks completed.",
		}),
		PipelinePoolFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_pipeline_pool_failed_total", Help: "Parser pool tasks that panicked.",
		}),
		PipelineDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saline_self_pipeline_dropped_total", Help: "Bus events dropped because the parser pool was saturated.",
		}),
	}

	registry.MustRegister(
		m.GoRoutines, m.MemoryAllocated, m.Uptime, m.BuildInfo,
		m.HostCPUPercent, m.HostLoad1, m.HostMemUsed, m.HostMemPercent,
		m.PipelinePoolActive, m.PipelinePoolQueued, m.PipelinePoolCompleted, m.PipelinePoolFailed, m.PipelineDropped,
	)
	return m
}

func (m *Metrics) SetBuildInfo(version, os, arch string) {
	m.BuildInfo.WithLabelValues(version, os, arch).Set(1)
}

// updateRuntime refreshes the Go-runtime gauges; cheap enough to call on
// every scrape-adjacent tick.
func (m *Metrics) updateRuntime() {
	m.GoRoutines.Set(float64(runtime.NumGoroutine()))
	var mstat runtime.MemStats
	runtime.ReadMemStats(&mstat)
	m.MemoryAllocated.Set(float64(mstat.Alloc))
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// updateHost samples host-wide CPU/memory/load through gopsutil. Each
// collector call is independent so one failing (e.g. /proc/loadavg
// missing on a non-Linux host) doesn't block the others.
func (m *Metrics) updateHost(ctx context.Context, log *slog.Logger) {
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.HostCPUPercent.Set(pct[0])
	} else if err != nil {
		log.Debug("self metrics: cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.HostMemUsed.Set(float64(vm.Used))
		m.HostMemPercent.Set(vm.UsedPercent)
	} else {
		log.Debug("self metrics: memory sample failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.HostLoad1.Set(avg.Load1)
	} else {
		log.Debug("self metrics: load sample failed", "error", err)
	}
}

func (m *Metrics) updatePipeline(p *pipeline.Pipeline) {
	if p == nil {
		return
	}
	stats := p.Stats()
	m.PipelinePoolActive.Set(float64(stats.Pool.Active))
	m.PipelinePoolQueued.Set(float64(stats.Pool.Queued))
	m.PipelinePoolCompleted.Set(float64(stats.Pool.Completed))
	m.PipelinePoolFailed.Set(float64(stats.Pool.Failed))
	m.PipelineDropped.Set(float64(stats.Dropped))
}

// Server owns the registry and the sampling loop; it serves its own
// small HTTP mux on a separate address from the main restapi.Server so
// the two can be firewalled independently.
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	registry   *prometheus.Registry
	addr       string
	log        *slog.Logger
	pipeline   *pipeline.Pipeline
}

func NewServer(addr string, version string, logger *slog.Logger, p *pipeline.Pipeline) *Server {
	registry := prometheus.NewRegistry()
	metrics := newMetrics(registry)
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics.SetBuildInfo(version, runtime.GOOS, runtime.GOARCH)

	return &Server{
		metrics:  metrics,
		registry: registry,
		addr:     addr,
		log:      logger,
		pipeline: p,
	}
}

// Run starts the sampling loop and HTTP server, blocking until ctx is
// cancelled. addr == "" disables the server entirely.
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		s.log.Info("self metrics server disabled")
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting self metrics server", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("self metrics server: %w", err)
		}
		close(errCh)
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.metrics.updateRuntime()
			s.metrics.updateHost(ctx, s.log)
			s.metrics.updatePipeline(s.pipeline)
		}
	}
}
