package parser

import (
	"regexp"

	"github.com/saline-io/saline/internal/event"
)

// tagPattern is one entry in the ordered tag-pattern table: the first
// pattern whose regex matches a raw Salt tag wins. mask is the
// cardinality-safe label value emitted for salt_events_tags (it never
// contains the jid, minion id, or any other per-event variable — those
// positions are always "*"), tagMain/tagSub classify the event, and
// minionGroup (if set) names the regex capture group holding the
// originating minion id, when the tag itself carries it (beacons, minion
// start, individual job returns).
type tagPattern struct {
	re          *regexp.Regexp
	mask        string
	tagMain     int
	tagSub      int
	minionGroup string
}

// tagPatterns is evaluated top-to-bottom; put more specific patterns
// before more general ones matching the same prefix.
var tagPatterns = []tagPattern{
	{
		re:      regexp.MustCompile(`^salt/job/(?P<jid>\d+)/new$`),
		mask:    "salt/job/*/new",
		tagMain: event.TagJob,
		tagSub:  event.SubJobNew,
	},
	{
		re:          regexp.MustCompile(`^salt/job/(?P<jid>\d+)/ret/(?P<minion>[^/]+)$`),
		mask:        "salt/job/*/ret/*",
		tagMain:     event.TagJob,
		tagSub:      event.SubJobRet,
		minionGroup: "minion",
	},
	{
		re:      regexp.MustCompile(`^salt/auth$`),
		mask:    "salt/auth",
		tagMain: event.TagAuth,
	},
	{
		re:      regexp.MustCompile(`^salt/key$`),
		mask:    "salt/key",
		tagMain: event.TagKey,
	},
	{
		re:          regexp.MustCompile(`^minion/refresh/(?P<minion>[^/]+)$`),
		mask:        "minion/refresh/*",
		tagMain:     event.TagMinionRefresh,
		minionGroup: "minion",
	},
	{
		re:          regexp.MustCompile(`^minion_start$|^salt/minion/(?P<minion>[^/]+)/start$`),
		mask:        "salt/minion/*/start",
		tagMain:     event.TagMinionStart,
		minionGroup: "minion",
	},
	{
		re:          regexp.MustCompile(`^salt/beacon/(?P<minion>[^/]+)/(?P<beacon>.+)$`),
		mask:        "salt/beacon/*/*",
		tagMain:     event.TagBeacon,
		minionGroup: "minion",
	},
	{
		re:      regexp.MustCompile(`^salt/run/(?P<jid>\d+)/new$`),
		mask:    "salt/run/*/new",
		tagMain: event.TagRun,
		tagSub:  event.SubRunNew,
	},
	{
		re:      regexp.MustCompile(`^salt/run/(?P<jid>\d+)/ret$`),
		mask:    "salt/run/*/ret",
		tagMain: event.TagRun,
		tagSub:  event.SubRunRet,
	},
	{
		re:      regexp.MustCompile(`^salt/wheel/(?P<jid>\d+)/new$`),
		mask:    "salt/wheel/*/new",
		tagMain: event.TagWheel,
		tagSub:  event.SubWheelNew,
	},
	{
		re:      regexp.MustCompile(`^salt/wheel/(?P<jid>\d+)/ret$`),
		mask:    "salt/wheel/*/ret",
		tagMain: event.TagWheel,
		tagSub:  event.SubWheelRet,
	},
	{
		re:      regexp.MustCompile(`^salt/batch/(?P<batch>[^/]+)/start$`),
		mask:    "salt/batch/*/start",
		tagMain: event.TagBatch,
		tagSub:  event.SubBatchStart,
	},
	{
		re:      regexp.MustCompile(`^salt/batch/(?P<batch>[^/]+)/done$`),
		mask:    "salt/batch/*/done",
		tagMain: event.TagBatch,
		tagSub:  event.SubBatchDone,
	},
	{
		re:      regexp.MustCompile(`^saline/stats$`),
		mask:    "saline/stats",
		tagMain: event.TagStats,
	},
}

// ignoreEvents lists (tagMain, tagSub, fun) triples that are dropped
// entirely even though they parse cleanly — noisy, low-value events the
// original implementation special-cased out.
var ignoreEvents = map[[3]any]bool{
	{event.TagWheel, event.SubWheelNew, "wheel.key.list_all"}: true,
	{event.TagWheel, event.SubWheelRet, "wheel.key.list_all"}: true,
}

// ignoreNoFunWarning lists (tagMain, tagSub) pairs for which a missing
// "fun" field is expected (not every event carries one) and shouldn't be
// logged as a parser anomaly.
var ignoreNoFunWarning = map[[2]int]bool{
	{event.TagAuth, 0}:           true,
	{event.TagBatch, event.SubBatchStart}: true,
	{event.TagBatch, event.SubBatchDone}:  true,
	{event.TagMinionStart, 0}:    true,
	{event.TagMinionRefresh, 0}:  true,
	{event.TagStats, 0}:          true,
}

// stateResults maps a state return's "result" field to the label value
// used for salt_state_results; "warnings" is handled separately since it
// can coexist with any of the three boolean outcomes.
var stateResults = map[any]string{
	true:  "succeeded",
	false: "failed",
	nil:   "notrun",
}

// stateFuncs is the allowlist of state.* functions whose JOB events get
// the rich per-sls/per-id accounting instead of the plain minion update
// path.
var stateFuncs = map[string]bool{
	"state.apply":        true,
	"state.high":         true,
	"state.highstate":    true,
	"state.low":          true,
	"state.pkg":          true,
	"state.template":     true,
	"state.template_str": true,
	"state.test":         true,
	"state.top":          true,
	"state.single":       true,
	"state.sls":          true,
	"state.sls_id":       true,
}
