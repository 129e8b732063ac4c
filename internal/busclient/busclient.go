// Package busclient connects to the Salt master event bus and yields
// raw (tag, data) pairs to the pipeline, pre-filtered by the configured
// tag allowlist. Grounded on the original saline process.py EventsManager,
// adapted from its IPC socket read loop to a websocket client — the
// transport Saline's Go rewrite exposes the bus over.
package busclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saline-io/saline/internal/config"
)

// RawEvent is one bus message before parsing: the tag plus its
// associated data payload, decoded from the wire JSON envelope.
type RawEvent struct {
	Tag  string         `json:"tag"`
	Data map[string]any `json:"data"`
}

// Source yields raw bus events until ctx is cancelled or the source is
// exhausted, at which point its channel is closed.
type Source interface {
	Events(ctx context.Context) <-chan RawEvent
}

// ChannelSource is a test double / in-process Source: events pushed to
// In are yielded from Events as-is, useful for driving the pipeline in
// tests without a real bus connection.
type ChannelSource struct {
	In chan RawEvent
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{In: make(chan RawEvent, 64)}
}

func (c *ChannelSource) Events(ctx context.Context) <-chan RawEvent {
	out := make(chan RawEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-c.In:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// filter mirrors EventsManager's two-stage match: the primary regex, or
// any of the additional allowlist patterns.
type filter struct {
	primary    *regexp.Regexp
	additional []*regexp.Regexp
}

func newFilter(cfg *config.Config) (*filter, error) {
	primary, err := regexp.Compile(cfg.EventsRegexFilter)
	if err != nil {
		return nil, err
	}
	f := &filter{primary: primary}
	for _, pat := range cfg.EventsAdditional {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, err
		}
		f.additional = append(f.additional, re)
	}
	return f, nil
}

func (f *filter) match(tag string) bool {
	if f.primary.MatchString(tag) {
		return true
	}
	for _, re := range f.additional {
		if re.MatchString(tag) {
			return true
		}
	}
	return false
}

// WebsocketSource dials the configured bus URL and reconnects with
// backoff on any read/dial error, so a restarting master doesn't require
// restarting Saline.
type WebsocketSource struct {
	url    string
	log    *slog.Logger
	filter *filter

	dialTimeout   time.Duration
	minBackoff    time.Duration
	maxBackoff    time.Duration
}

func NewWebsocketSource(cfg *config.Config, logger *slog.Logger) (*WebsocketSource, error) {
	f, err := newFilter(cfg)
	if err != nil {
		return nil, err
	}
	return &WebsocketSource{
		url:         cfg.Bus,
		log:         logger,
		filter:      f,
		dialTimeout: 10 * time.Second,
		minBackoff:  time.Second,
		maxBackoff:  30 * time.Second,
	}, nil
}

func (w *WebsocketSource) Events(ctx context.Context) <-chan RawEvent {
	out := make(chan RawEvent, 256)
	go w.run(ctx, out)
	return out
}

func (w *WebsocketSource) run(ctx context.Context, out chan<- RawEvent) {
	defer close(out)
	backoff := w.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := w.dial(ctx)
		if err != nil {
			w.log.Warn("bus dial failed, retrying", "url", w.url, "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, w.maxBackoff)
			continue
		}
		backoff = w.minBackoff
		w.readLoop(ctx, conn, out)
		conn.Close()
	}
}

func (w *WebsocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	return conn, err
}

func (w *WebsocketSource) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- RawEvent) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			w.log.Warn("bus connection lost", "url", w.url, "error", err)
			return
		}
		var ev RawEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			w.log.Debug("dropping unparseable bus message", "error", err)
			continue
		}
		if ev.Tag == "" {
			continue
		}
		if !w.filter.match(ev.Tag) {
			w.log.Debug("event tag doesn't match the event filter", "tag", ev.Tag)
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
