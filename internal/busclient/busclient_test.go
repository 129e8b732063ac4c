package busclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saline-io/saline/internal/config"
)

func TestChannelSourceYieldsPushedEvents(t *testing.T) {
	src := NewChannelSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := src.Events(ctx)
	src.In <- RawEvent{Tag: "salt/job/1/new", Data: map[string]any{"jid": "1"}}

	select {
	case e := <-events:
		assert.Equal(t, "salt/job/1/new", e.Tag)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestChannelSourceClosesOnCancel(t *testing.T) {
	src := NewChannelSource()
	ctx, cancel := context.WithCancel(context.Background())
	events := src.Events(ctx)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

var upgrader = websocket.Upgrader{}

func TestWebsocketSourceFiltersByTagRegex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tag":"salt/job/42/new","data":{"jid":"42"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tag":"salt/auth","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tag":"salt/job/42/ret/web1","data":{"jid":"42"}}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Bus = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.EventsRegexFilter = `^salt/job/\d+/(new|ret/)`

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, err := NewWebsocketSource(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	for e := range src.Events(ctx) {
		got = append(got, e.Tag)
		if len(got) == 2 {
			cancel()
		}
	}

	assert.ElementsMatch(t, []string{"salt/job/42/new", "salt/job/42/ret/web1"}, got)
}
