// Package pipeline wires the bus source, the parser pool, and the
// merger together: raw events are fanned out across a fixed set of
// parser lanes (mirroring the original EventsReader subprocess pool,
// one rix per lane) and parsed records are fanned back in through a
// single channel so the merger — which is not safe for concurrent
// writers — only ever sees one Record at a time.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/saline-io/saline/internal/busclient"
	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/core"
	"github.com/saline-io/saline/internal/event"
	"github.com/saline-io/saline/internal/merger"
	"github.com/saline-io/saline/internal/parser"
)

// Stats is a point-in-time snapshot of the pipeline's health, exposed
// for the HTTP status endpoint.
type Stats struct {
	Pool    core.WorkerPoolStats
	Dropped int64
}

type Pipeline struct {
	cfg *config.Config
	log *slog.Logger

	src     busclient.Source
	parsers []*parser.Parser
	pool    *core.WorkerPool
	merger  *merger.Merger

	out     chan *event.Record
	dropped atomic.Int64
}

func New(cfg *config.Config, logger *slog.Logger, src busclient.Source, m *merger.Merger) *Pipeline {
	lanes := cfg.ReadersSubprocesses
	if lanes < 1 {
		lanes = 1
	}
	parsers := make([]*parser.Parser, lanes)
	for i := range parsers {
		parsers[i] = parser.New(cfg, logger)
	}

	return &Pipeline{
		cfg:     cfg,
		log:     logger,
		src:     src,
		parsers: parsers,
		pool:    core.NewWorkerPool(lanes),
		merger:  m,
		out:     make(chan *event.Record, lanes*64),
	}
}

// Run blocks until ctx is cancelled, dispatching bus events to the
// parser pool, while a single goroutine of its own drains parsed records
// into the merger. Callers typically run it in its own goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.drain(ctx)
	}()

	events := p.src.Events(ctx)
	lane := 0
	for {
		select {
		case <-ctx.Done():
			p.pool.Close()
			close(p.out)
			<-done
			return
		case raw, ok := <-events:
			if !ok {
				p.pool.Close()
				close(p.out)
				<-done
				return
			}
			rix := lane
			lane = (lane + 1) % len(p.parsers)
			rawEvent := raw
			submitted := p.pool.Submit(func() { p.parseAndForward(ctx, rix, rawEvent) })
			if !submitted {
				p.dropped.Add(1)
				p.log.Warn("parser pool saturated, dropping event", "tag", raw.Tag)
			}
		}
	}
}

func (p *Pipeline) parseAndForward(ctx context.Context, rix int, raw busclient.RawEvent) {
	rec, ok := p.parsers[rix].Parse(raw.Tag, raw.Data)
	if !ok || rec == nil {
		return
	}
	rec.RIX = rix
	select {
	case p.out <- rec:
	case <-ctx.Done():
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		select {
		case rec, ok := <-p.out:
			if !ok {
				return
			}
			p.merger.Add(rec)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{Pool: p.pool.Stats(), Dropped: p.dropped.Load()}
}
