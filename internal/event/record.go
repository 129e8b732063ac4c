// Package event defines the canonical record a raw Salt bus event is
// parsed into before it reaches the label-cardinality merger.
package event

import (
	"strconv"
	"strings"
	"time"
)

// Tag group/sub identifiers, mirroring the Salt event tag taxonomy: the
// first dotted/ slashed segment after "salt/" selects the group (job,
// auth, key, minion start, beacon, run, wheel, batch, stats), the second
// selects the sub-kind within it (new/ret, start/done, ...).
const (
	TagJob           = 1
	TagJID           = 2 // a bare numeric jid tag; distinct from TagJob
	TagMinionRefresh = 3
	TagBatch         = 4
	TagAuth          = 5
	TagKey           = 6
	TagMinionStart   = 7
	TagBeacon        = 8
	TagRun           = 9
	TagWheel         = 10
	TagStats         = 11
)

const (
	SubJobNew = 1
	SubJobRet = 2

	SubBatchStart = 1
	SubBatchDone  = 2

	SubRunNew = 1
	SubRunRet = 2

	SubWheelNew = 1
	SubWheelRet = 2
)

// StateFunArgs identifies a distinct "shape" of state run: which
// state.* function was invoked, against which mods (sls targets), and
// whether it ran in test mode. It is the key the job store groups
// SaltJobs under.
type StateFunArgs struct {
	Fun  string
	Mods []string
	Test bool
}

// Key returns a stable, comparable string for use as a map key, since a
// slice field keeps the struct itself non-comparable.
func (s StateFunArgs) Key() string {
	var b strings.Builder
	b.WriteString(s.Fun)
	b.WriteByte('\x00')
	b.WriteString(strings.Join(s.Mods, ","))
	b.WriteByte('\x00')
	if s.Test {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	return b.String()
}

// StateReturn is one minion's result entry from a state.* job's "return"
// dict: one key per applied state id, already sls/sid-renamed.
type StateReturn struct {
	SLS      string
	SLSOrig  string
	ID       string
	IDOrig   string
	Fun      string
	Result   *bool // nil means "notrun"
	Warning  bool
	Duration float64
}

// Record is the canonical, fully-parsed representation of one Salt bus
// event. Only the fields relevant to the event's tag are populated;
// callers must check TagMain/TagSub before reading kind-specific fields.
type Record struct {
	Tag       string
	TagMask   string
	Timestamp time.Time

	TagMain int
	TagSub  int

	JID     string
	MinionID string
	User     string
	Minions  []string

	Success bool
	Fun     string

	Trimmed []string

	DownMinions []string
	Offline     bool

	StateFunArgs *StateFunArgs
	Returns      map[string]StateReturn
	Errors       int

	RIX int
}

// TargetMinions returns the minion set an event applies to, falling back
// to the single "id" minion when "minions" wasn't present.
func (r *Record) TargetMinions() []string {
	if len(r.Minions) > 0 {
		return r.Minions
	}
	if r.MinionID != "" {
		return []string{r.MinionID}
	}
	return nil
}

// JIDInt is a convenience accessor for call sites that only need the jid
// for logging; the store itself always keys on the string form since
// Salt jids are occasionally non-numeric (e.g. "req" jids).
func (r *Record) JIDInt() (int64, bool) {
	if r.JID == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(r.JID, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
