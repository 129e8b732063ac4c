package merger

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/event"
)

func testMerger() *Merger {
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger)
}

func TestAddIncrementsEventCounters(t *testing.T) {
	m := testMerger()
	m.Add(&event.Record{Tag: "salt/auth", TagMask: "salt/auth", TagMain: event.TagAuth, RIX: 1})

	buf := m.MetricsBuf()
	assert.Contains(t, buf, `salt_events_total 1`)
	assert.Contains(t, buf, `salt_events_tags{tag="salt/auth"} 1`)
	assert.Contains(t, buf, `saline_internal_rix_total{rix="1"} 1`)
}

func TestAddJobNewThenRetTracksMinion(t *testing.T) {
	m := testMerger()
	ts := time.Now()

	m.Add(&event.Record{
		Tag: "salt/job/1/new", TagMask: "salt/job/*/new", TagMain: event.TagJob, TagSub: event.SubJobNew,
		JID: "1", Fun: "test.ping", Minions: []string{"web1"}, Timestamp: ts,
	})
	m.Add(&event.Record{
		Tag: "salt/job/1/ret/web1", TagMask: "salt/job/*/ret/*", TagMain: event.TagJob, TagSub: event.SubJobRet,
		JID: "1", Fun: "test.ping", MinionID: "web1", Success: true, Timestamp: ts.Add(time.Second),
	})

	m.JobsMetricsUpdate()
	buf := m.MetricsBuf()
	assert.Contains(t, buf, `salt_minions{bucket="active_1m"} 1`)
}

func TestAddJobEventWithNoFunStillUpdatesMinion(t *testing.T) {
	m := testMerger()
	ts := time.Now()

	m.Add(&event.Record{
		Tag: "salt/job/5/new", TagMask: "salt/job/*/new", TagMain: event.TagJob, TagSub: event.SubJobNew,
		JID: "5", Minions: []string{"web1"}, Timestamp: ts,
	})

	m.JobsMetricsUpdate()
	buf := m.MetricsBuf()
	assert.Contains(t, buf, `salt_minions{bucket="active_1m"} 1`)
}

func TestAddStateApplySucceededRecordsResults(t *testing.T) {
	m := testMerger()
	ts := time.Now()
	ok := true

	sfa := event.StateFunArgs{Fun: "state.apply", Mods: []string{"web"}}
	m.Add(&event.Record{
		Tag: "salt/job/2/new", TagMask: "salt/job/*/new", TagMain: event.TagJob, TagSub: event.SubJobNew,
		JID: "2", Fun: "state.apply", Minions: []string{"web1"}, StateFunArgs: &sfa, Timestamp: ts,
	})
	m.Add(&event.Record{
		Tag: "salt/job/2/ret/web1", TagMask: "salt/job/*/ret/*", TagMain: event.TagJob, TagSub: event.SubJobRet,
		JID: "2", Fun: "state.apply", MinionID: "web1", StateFunArgs: &sfa, Timestamp: ts.Add(time.Second),
		Returns: map[string]event.StateReturn{
			"web_nginx_installed": {SLS: "web", ID: "nginx", Fun: "pkg.installed", Result: &ok, Duration: 12.5},
		},
	})

	buf := m.MetricsBuf()
	assert.Contains(t, buf, `salt_state_applies 1`)
	assert.Contains(t, buf, `salt_state_applies_status{status="succeeded"} 1`)
	assert.Contains(t, buf, `sls="web"`)
}

func TestAddStateTestModeRecordsNotrun(t *testing.T) {
	m := testMerger()
	ts := time.Now()

	sfa := event.StateFunArgs{Fun: "state.apply", Mods: []string{"web"}, Test: true}
	m.Add(&event.Record{
		Tag: "salt/job/3/new", TagMask: "salt/job/*/new", TagMain: event.TagJob, TagSub: event.SubJobNew,
		JID: "3", Fun: "state.apply", Minions: []string{"web1"}, StateFunArgs: &sfa, Timestamp: ts,
	})
	m.Add(&event.Record{
		Tag: "salt/job/3/ret/web1", TagMask: "salt/job/*/ret/*", TagMain: event.TagJob, TagSub: event.SubJobRet,
		JID: "3", Fun: "state.apply", MinionID: "web1", StateFunArgs: &sfa, Timestamp: ts.Add(time.Second),
		Returns: map[string]event.StateReturn{
			"web_nginx_installed": {SLS: "web", ID: "nginx", Fun: "pkg.installed", Result: nil, Duration: 1},
		},
	})

	buf := m.MetricsBuf()
	assert.Contains(t, buf, `salt_state_applies_status{status="test"} 1`)
	assert.Contains(t, buf, `status="notrun"`)
}

func TestBatchDownMinionsMarkedOffline(t *testing.T) {
	m := testMerger()
	ts := time.Now()
	m.Add(&event.Record{
		Tag: "salt/batch/x/start", TagMask: "salt/batch/*/start", TagMain: event.TagBatch, TagSub: event.SubBatchStart,
		DownMinions: []string{"web2"}, Timestamp: ts,
	})
	m.JobsMetricsUpdate()
	buf := m.MetricsBuf()
	assert.Contains(t, buf, `salt_minions{bucket="offline"} 1`)
}

func TestTrimmedFieldsIncrementCounters(t *testing.T) {
	m := testMerger()
	m.Add(&event.Record{
		Tag: "salt/job/4/ret/web1", TagMask: "salt/job/*/ret/*", TagMain: event.TagJob, TagSub: event.SubJobRet,
		JID: "4", Fun: "test.ping", MinionID: "web1", Trimmed: []string{"return", "fun_args"},
	})
	buf := m.MetricsBuf()
	assert.Contains(t, buf, `salt_events_trimmed_count 1`)
	assert.Contains(t, buf, `salt_events_trimmed_total 2`)
}

func TestCleanupJobJIDsDoesNotPanicOnEmptyState(t *testing.T) {
	m := testMerger()
	require.NotPanics(t, func() {
		m.CleanupJobJIDs()
		m.CompleteWithTimeout()
	})
}
