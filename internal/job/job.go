// Package job tracks per-jid and per-state-shape job completion,
// grounded on the original saline data/state.py model.
package job

import (
	"sync"
	"time"

	"github.com/saline-io/saline/internal/event"
	"github.com/saline-io/saline/internal/minion"
)

// SaltJob tracks one dispatched jid against the set of minions it
// targeted, until every targeted minion has either responded or timed
// out.
type SaltJob struct {
	jid    string
	parent *StateJob

	mu sync.Mutex

	requestedAt time.Time
	respondedAt time.Time
	minions     map[string]struct{}
	done        map[string]time.Time
	timedOut    map[string]time.Time
	completed   bool
}

func newSaltJob(jid string, parent *StateJob) *SaltJob {
	return &SaltJob{
		jid:      jid,
		parent:   parent,
		minions:  make(map[string]struct{}),
		done:     make(map[string]time.Time),
		timedOut: make(map[string]time.Time),
	}
}

// Update records that minions were targeted (status NEW) or responded
// (SUCCEEDED/FAILED) at ts.
func (j *SaltJob) Update(minions []string, ts time.Time, status JobStatus) {
	j.mu.Lock()
	for _, m := range minions {
		j.minions[m] = struct{}{}
	}
	if status == JobStatusNew {
		j.requestedAt = ts
		j.mu.Unlock()
		return
	}
	j.respondedAt = ts
	for _, m := range minions {
		delete(j.timedOut, m)
		j.done[m] = ts
	}
	completed := j.setCompletedLocked()
	j.mu.Unlock()

	if completed {
		j.parent.completedJID(j.jid, ts)
	}
}

func (j *SaltJob) setCompletedLocked() bool {
	j.completed = len(j.minions) == len(j.done)+len(j.timedOut)
	return j.completed
}

// Completed reports the completion timestamp if the job is done, the
// zero time and false otherwise.
func (j *SaltJob) Completed() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.completed {
		return time.Time{}, false
	}
	if !j.respondedAt.IsZero() {
		return j.respondedAt, true
	}
	return j.requestedAt, true
}

// TimeoutMinion implements minion.JobUpdater: called when a minion this
// job targeted has gone offline or aged out of JobTimeout without
// responding.
func (j *SaltJob) TimeoutMinion(minionID string, ts time.Time) {
	j.mu.Lock()
	if _, done := j.done[minionID]; done {
		j.mu.Unlock()
		return
	}
	j.timedOut[minionID] = ts
	completed := j.setCompletedLocked()
	j.mu.Unlock()

	j.parent.timeoutJIDMinion(j.jid, minionID, ts)
	if completed {
		j.parent.completedJID(j.jid, ts)
	}
}

// CompleteWithTimeout marks every minion that has neither responded nor
// timed out as timed out at ts, provided the job was requested at or
// before `before` (or has no request time at all).
func (j *SaltJob) CompleteWithTimeout(before time.Time, ts time.Time) {
	j.mu.Lock()
	if !j.requestedAt.IsZero() && j.requestedAt.After(before) {
		j.mu.Unlock()
		return
	}
	pending := make([]string, 0, len(j.minions))
	for m := range j.minions {
		if _, done := j.done[m]; done {
			continue
		}
		if _, to := j.timedOut[m]; to {
			continue
		}
		pending = append(pending, m)
	}
	j.mu.Unlock()

	for _, m := range pending {
		j.TimeoutMinion(m, ts)
	}
}

func (j *SaltJob) Minions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.minions))
	for m := range j.minions {
		out = append(out, m)
	}
	return out
}

// JobStatus mirrors minion.JobStatus; kept distinct so this package
// doesn't force every caller to import minion just to pass a status.
type JobStatus int

const (
	JobStatusNew JobStatus = iota
	JobStatusSucceeded
	JobStatusFailed
)

func (s JobStatus) toMinionStatus() minion.JobStatus {
	switch s {
	case JobStatusSucceeded:
		return minion.JobSucceeded
	case JobStatusFailed:
		return minion.JobFailed
	default:
		return minion.JobNew
	}
}

// Stats is the gauge snapshot published under salt_state_jobs for one
// StateJob.
type Stats struct {
	PendingJIDs    int
	CompletedJIDs  int
	Targeted       int
	Pending        int
	Succeeded      int
	Failed         int
	TimedOut       int
	EverSucceeded  int
	EverFailed     int
	EverTimedOut   int
	AllSucceeded   int
	AllFailed      int
	AllTimedOut    int
}

// completedJIDEntry pairs a completed job with the timestamp it finished at.
type completedJIDEntry struct {
	job *SaltJob
	ts  time.Time
}

// StateJob aggregates every SaltJob dispatched with a given
// event.StateFunArgs shape (same fun/mods/test), tracking per-minion
// current and ever-seen outcome sets.
type StateJob struct {
	StateFunArgs event.StateFunArgs

	minions *minion.Collection

	mu            sync.Mutex
	jids          map[string]*SaltJob
	completedJIDs map[string]completedJIDEntry

	targets map[string]struct{}

	succeeded map[string]time.Time
	failed    map[string]time.Time
	timedOut  map[string]time.Time

	everSucceeded map[string]struct{}
	everFailed    map[string]struct{}
	everTimedOut  map[string]struct{}

	pending map[string]map[string]struct{} // minion -> set of pending jids
}

func newStateJob(sfa event.StateFunArgs, minions *minion.Collection) *StateJob {
	return &StateJob{
		StateFunArgs:  sfa,
		minions:       minions,
		jids:          make(map[string]*SaltJob),
		completedJIDs: make(map[string]completedJIDEntry),
		targets:       make(map[string]struct{}),
		succeeded:     make(map[string]time.Time),
		failed:        make(map[string]time.Time),
		timedOut:      make(map[string]time.Time),
		everSucceeded: make(map[string]struct{}),
		everFailed:    make(map[string]struct{}),
		everTimedOut:  make(map[string]struct{}),
		pending:       make(map[string]map[string]struct{}),
	}
}

// Update records one job event for this state shape: minions targeted or
// responding, at ts, for jid.
func (s *StateJob) Update(minions []string, status JobStatus, jid string, ts time.Time) {
	s.mu.Lock()
	j, isNew := s.resolveJobLocked(jid)
	for _, m := range minions {
		s.targets[m] = struct{}{}
	}
	s.mu.Unlock()

	if s.minions != nil {
		s.minions.Update(minions, ts, status.toMinionStatus(), jid, j)
	}
	if j != nil {
		j.Update(minions, ts, status)
	}
	_ = isNew

	s.mu.Lock()
	switch status {
	case JobStatusSucceeded:
		for _, m := range minions {
			s.succeeded[m] = ts
			delete(s.failed, m)
			delete(s.timedOut, m)
		}
		for _, m := range minions {
			s.everSucceeded[m] = struct{}{}
		}
	case JobStatusFailed:
		for _, m := range minions {
			s.failed[m] = ts
			delete(s.succeeded, m)
			delete(s.timedOut, m)
		}
		for _, m := range minions {
			s.everFailed[m] = struct{}{}
		}
	case JobStatusNew:
		for _, m := range minions {
			set, ok := s.pending[m]
			if !ok {
				set = make(map[string]struct{})
				s.pending[m] = set
			}
			set[jid] = struct{}{}
		}
	}
	if status != JobStatusNew {
		for _, m := range minions {
			if set, ok := s.pending[m]; ok {
				delete(set, jid)
				if len(set) == 0 {
					delete(s.pending, m)
				}
			}
		}
	}
	s.mu.Unlock()
}

func (s *StateJob) resolveJobLocked(jid string) (*SaltJob, bool) {
	if entry, ok := s.completedJIDs[jid]; ok {
		return entry.job, false
	}
	if j, ok := s.jids[jid]; ok {
		return j, false
	}
	j := newSaltJob(jid, s)
	s.jids[jid] = j
	return j, true
}

// TimeoutJIDMinion is called by a SaltJob when one of its minions times out.
func (s *StateJob) timeoutJIDMinion(jid, minionID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timedOut[minionID] = ts
	if set, ok := s.pending[minionID]; ok {
		delete(set, jid)
		if len(set) == 0 {
			delete(s.pending, minionID)
		}
		delete(s.succeeded, minionID)
		delete(s.failed, minionID)
	}
	s.everTimedOut[minionID] = struct{}{}
}

// completedJID moves jid from the pending map to the completed map,
// priority given to an already-completed entry so a late duplicate NEW
// can't resurrect a finished job.
func (s *StateJob) completedJID(jid string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, existed := s.completedJIDs[jid]
	job := j.job
	if !existed {
		job = s.jids[jid]
	}
	delete(s.jids, jid)
	s.completedJIDs[jid] = completedJIDEntry{job: job, ts: ts}
}

// CompleteWithTimeout sweeps every still-pending jid on this state shape,
// forcing a timeout for the unanswered minions of jobs requested at or
// before `before`.
func (s *StateJob) CompleteWithTimeout(before, ts time.Time) {
	s.mu.Lock()
	pending := make([]*SaltJob, 0, len(s.jids))
	for _, j := range s.jids {
		pending = append(pending, j)
	}
	s.mu.Unlock()

	for _, j := range pending {
		j.CompleteWithTimeout(before, ts)
	}
}

// CleanupJIDs evicts completed jids older than cleanupAfter, notifying
// the minion store so it can drop its own per-jid bookkeeping too.
func (s *StateJob) CleanupJIDs(cleanupAfter time.Duration, ts time.Time) {
	cutoff := ts.Add(-cleanupAfter)

	s.mu.Lock()
	var toClean []string
	for jid, entry := range s.completedJIDs {
		if entry.ts.Before(cutoff) || entry.ts.Equal(cutoff) {
			toClean = append(toClean, jid)
		}
	}
	s.mu.Unlock()

	for _, jid := range toClean {
		s.mu.Lock()
		entry, ok := s.completedJIDs[jid]
		if ok {
			delete(s.completedJIDs, jid)
		}
		s.mu.Unlock()
		if !ok || entry.job == nil {
			continue
		}
		if s.minions != nil {
			for _, m := range entry.job.Minions() {
				s.minions.CleanupJID(m, jid)
			}
		}
	}
}

// GetStats computes the gauge snapshot for this state shape.
func (s *StateJob) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	allSucceeded := diffSets(s.everSucceeded, s.everFailed, s.everTimedOut)
	allFailed := diffSets(s.everFailed, s.everSucceeded, s.everTimedOut)
	allTimedOut := diffSets(s.everTimedOut, s.everSucceeded, s.everFailed)

	return Stats{
		PendingJIDs:   len(s.jids),
		CompletedJIDs: len(s.completedJIDs),
		Targeted:      len(s.targets),
		Pending:       len(s.pending),
		Succeeded:     len(s.succeeded),
		Failed:        len(s.failed),
		TimedOut:      len(s.timedOut),
		EverSucceeded: len(s.everSucceeded),
		EverFailed:    len(s.everFailed),
		EverTimedOut:  len(s.everTimedOut),
		AllSucceeded:  allSucceeded,
		AllFailed:     allFailed,
		AllTimedOut:   allTimedOut,
	}
}

func diffSets(base map[string]struct{}, subtract ...map[string]struct{}) int {
	count := 0
	for k := range base {
		excluded := false
		for _, s := range subtract {
			if _, ok := s[k]; ok {
				excluded = true
				break
			}
		}
		if !excluded {
			count++
		}
	}
	return count
}

// Collection indexes StateJob by its event.StateFunArgs shape.
type Collection struct {
	mu       sync.RWMutex
	jobs     map[string]*StateJob
	minions  *minion.Collection
}

func NewCollection(minions *minion.Collection) *Collection {
	return &Collection{jobs: make(map[string]*StateJob), minions: minions}
}

func (c *Collection) Get(sfa event.StateFunArgs) *StateJob {
	key := sfa.Key()
	c.mu.RLock()
	j, ok := c.jobs[key]
	c.mu.RUnlock()
	if ok {
		return j
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[key]; ok {
		return j
	}
	j = newStateJob(sfa, c.minions)
	c.jobs[key] = j
	return j
}

// Each iterates every known state job; used by the maintenance loop.
func (c *Collection) Each(fn func(*StateJob)) {
	c.mu.RLock()
	jobs := make([]*StateJob, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.RUnlock()
	for _, j := range jobs {
		fn(j)
	}
}

func (c *Collection) CompleteWithTimeout(timeout time.Duration, ts time.Time) {
	before := ts.Add(-timeout)
	c.Each(func(j *StateJob) { j.CompleteWithTimeout(before, ts) })
}
