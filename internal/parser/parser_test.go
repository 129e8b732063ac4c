package parser

import (
	"log/slog"
	"testing"

	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return New(config.Default(), slog.Default())
}

func TestParseJobNewStateApply(t *testing.T) {
	p := newTestParser()

	data := map[string]any{
		"id":  "minion1",
		"jid": "20260101000000000001",
		"fun": "state.apply",
		"fun_args": []any{
			map[string]any{
				"mods":       "webserver",
				"test":       false,
				"__kwarg__":  true,
			},
		},
	}

	rec, ok := p.Parse("salt/job/20260101000000000001/new", data)
	require.True(t, ok)
	assert.Equal(t, event.TagJob, rec.TagMain)
	assert.Equal(t, event.SubJobNew, rec.TagSub)
	assert.Equal(t, "salt/job/*/new", rec.TagMask)
	assert.Equal(t, "state.apply", rec.Fun)
	require.NotNil(t, rec.StateFunArgs)
	assert.Equal(t, []string{"webserver"}, rec.StateFunArgs.Mods)
	assert.False(t, rec.StateFunArgs.Test)
}

func TestParseStateTestForcesTestMode(t *testing.T) {
	p := newTestParser()

	data := map[string]any{
		"id":  "minion1",
		"jid": "20260101000000000002",
		"fun": "state.test",
		"fun_args": []any{
			map[string]any{"mods": "webserver", "test": false, "__kwarg__": true},
		},
	}

	rec, ok := p.Parse("salt/job/20260101000000000002/new", data)
	require.True(t, ok)
	require.NotNil(t, rec.StateFunArgs)
	assert.True(t, rec.StateFunArgs.Test, "fun==state.test must force test mode regardless of explicit test=false")
}

func TestParseJobRetWithStateReturn(t *testing.T) {
	p := newTestParser()

	success := true
	data := map[string]any{
		"id":  "minion1",
		"jid": "20260101000000000003",
		"fun": "state.apply",
		"success": true,
		"return": map[string]any{
			"pkg_|-nginx_|-nginx_|-installed": map[string]any{
				"__sls__":  "webserver/init",
				"__id__":   "nginx",
				"fun":      "installed",
				"result":   success,
				"duration": 12.5,
			},
		},
	}

	rec, ok := p.Parse("salt/job/20260101000000000003/ret/minion1", data)
	require.True(t, ok)
	assert.Equal(t, "salt/job/*/ret/*", rec.TagMask)
	require.Len(t, rec.Returns, 1)
	for _, sr := range rec.Returns {
		assert.Equal(t, "webserver.init", sr.SLS)
		assert.Equal(t, "nginx", sr.ID)
		require.NotNil(t, sr.Result)
		assert.True(t, *sr.Result)
		assert.Equal(t, 12.5, sr.Duration)
	}
}

func TestIgnoredWheelKeyListAllDropped(t *testing.T) {
	p := newTestParser()
	data := map[string]any{"fun": "wheel.key.list_all"}
	_, ok := p.Parse("salt/wheel/20260101000000000004/new", data)
	assert.False(t, ok)
}

func TestTrimmedValueDetected(t *testing.T) {
	p := newTestParser()
	data := map[string]any{
		"id":  "minion1",
		"jid": "20260101000000000005",
		"fun": "state.apply",
		"return": map[string]any{
			"pkg_|-nginx_|-nginx_|-installed": map[string]any{
				"__sls__": "webserver",
				"__id__":  "nginx",
				"fun":     "installed",
				"comment": "VALUE_TRIMMED",
			},
		},
	}
	rec, ok := p.Parse("salt/job/20260101000000000005/ret/minion1", data)
	require.True(t, ok)
	assert.NotEmpty(t, rec.Trimmed)
}

func TestBeaconMaskIsCardinalityBounded(t *testing.T) {
	p := newTestParser()
	rec, ok := p.Parse("salt/beacon/minion1/load", map[string]any{"id": "minion1", "data": map[string]any{"load": "0.1"}})
	require.True(t, ok)
	assert.Equal(t, event.TagBeacon, rec.TagMain)
	assert.Equal(t, "salt/beacon/*/*", rec.TagMask, "beacon mask must stay bounded regardless of minion id or beacon subtype")
	assert.Equal(t, "minion1", rec.MinionID)
}

func TestAuthEventNoFunDoesNotPanic(t *testing.T) {
	p := newTestParser()
	rec, ok := p.Parse("salt/auth", map[string]any{"id": "minion1", "result": true})
	require.True(t, ok)
	assert.Equal(t, event.TagAuth, rec.TagMain)
}
