// Package minion tracks per-minion job activity and liveness.
//
// This is a deliberate redesign of the original saline behavior: minion
// liveness ("active_*" stats) is derived from the last time ANY event
// mentioned the minion (auth, key, minion start, refresh, beacon, job
// new/ret), not only from job responses as the original Python
// implementation did via get_last_response_time(). A minion that is
// authenticating or beaconing but never targeted by a job would
// otherwise look permanently idle.
package minion

import (
	"sync"
	"time"
)

// JobStatus mirrors the tri-state outcome of a per-minion job update.
type JobStatus int

const (
	JobNew JobStatus = iota
	JobSucceeded
	JobFailed
)

// jobRecord is what a Minion remembers about one jid it was targeted by.
type jobRecord struct {
	job    JobUpdater
	status JobStatus
}

// JobUpdater is the subset of *job.SaltJob a Minion needs, kept as an
// interface so this package doesn't import job (job imports minion).
type JobUpdater interface {
	TimeoutMinion(minionID string, ts time.Time)
}

// Minion holds the liveness and per-jid bookkeeping for a single minion id.
type Minion struct {
	mu sync.Mutex

	id string

	lastSeen     time.Time
	requestLast  time.Time
	requestCount int64
	responseLast time.Time
	responseCount int64
	offlineLast  *time.Time

	pendingJobs   map[string]jobRecord
	completedJobs map[string][2]int64 // [count, lastElapsedNanos]
	offlineJobs   map[string]jobRecord
}

func newMinion(id string) *Minion {
	return &Minion{
		id:            id,
		pendingJobs:   make(map[string]jobRecord),
		completedJobs: make(map[string][2]int64),
		offlineJobs:   make(map[string]jobRecord),
	}
}

// Touch records that the minion was mentioned by some event at ts,
// without any job association — used for auth/key/start/refresh/beacon
// events so "active" liveness reflects any signal of life.
func (m *Minion) Touch(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts.After(m.lastSeen) {
		m.lastSeen = ts
	}
}

// Update records a job-related event: NEW when the job was dispatched to
// this minion, SUCCEEDED/FAILED when it responded.
func (m *Minion) Update(ts time.Time, status JobStatus, jid string, j JobUpdater) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts.After(m.lastSeen) {
		m.lastSeen = ts
	}

	if status == JobNew {
		m.requestLast = ts
		m.requestCount++
		m.pendingJobs[jid] = jobRecord{job: j, status: status}
		return
	}

	m.responseLast = ts
	m.responseCount++
	if pending, ok := m.pendingJobs[jid]; ok {
		delete(m.pendingJobs, jid)
		m.completedJobs[jid] = [2]int64{1, int64(ts.Sub(m.requestLast))}
		_ = pending
		return
	}
	// Duplicate RET for a jid we already completed or never saw pending.
	if entry, ok := m.completedJobs[jid]; ok {
		entry[0]++
		m.completedJobs[jid] = entry
	} else {
		m.completedJobs[jid] = [2]int64{1, 0}
	}
}

// Offline moves all pending jobs to the offline set and notifies each
// job's parent that this minion timed out on it.
func (m *Minion) Offline(ts time.Time) {
	m.mu.Lock()
	pending := m.pendingJobs
	m.pendingJobs = make(map[string]jobRecord)
	m.offlineLast = &ts
	m.mu.Unlock()

	for jid, rec := range pending {
		m.mu.Lock()
		m.offlineJobs[jid] = rec
		m.mu.Unlock()
		if rec.job != nil {
			rec.job.TimeoutMinion(m.id, ts)
		}
	}
}

// CleanupJID discards any bookkeeping this minion holds for jid, called
// once the owning job store has evicted the jid from its completed set.
func (m *Minion) CleanupJID(jid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.completedJobs, jid)
	delete(m.offlineJobs, jid)
}

// IsOffline reports whether the minion is currently considered offline:
// it was marked offline more recently than its last response.
func (m *Minion) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offlineLast == nil {
		return false
	}
	return m.responseLast.IsZero() || m.offlineLast.After(m.responseLast)
}

// LastActivity is the redesigned liveness signal: the most recent of any
// event mentioning this minion, job response included.
func (m *Minion) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastSeen
	if m.responseLast.After(last) {
		last = m.responseLast
	}
	return last
}

// Collection indexes Minions by id and computes the aggregate gauge
// stats published under salt_minions.
type Collection struct {
	mu      sync.RWMutex
	minions map[string]*Minion
}

func NewCollection() *Collection {
	return &Collection{minions: make(map[string]*Minion)}
}

func (c *Collection) get(id string) *Minion {
	c.mu.RLock()
	m, ok := c.minions[id]
	c.mu.RUnlock()
	if ok {
		return m
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.minions[id]; ok {
		return m
	}
	m = newMinion(id)
	c.minions[id] = m
	return m
}

// Get returns the Minion for id, creating it if unseen, so
// job.StateJob can look up minions too (it implements the dependency
// the other direction via the JobUpdater interface, not a concrete type).
func (c *Collection) Get(id string) *Minion {
	return c.get(id)
}

func (c *Collection) Update(ids []string, ts time.Time, status JobStatus, jid string, j JobUpdater) {
	for _, id := range ids {
		c.get(id).Update(ts, status, jid, j)
	}
}

func (c *Collection) Touch(ids []string, ts time.Time) {
	for _, id := range ids {
		c.get(id).Touch(ts)
	}
}

func (c *Collection) Offline(ids []string, ts time.Time) {
	for _, id := range ids {
		c.get(id).Offline(ts)
	}
}

func (c *Collection) CleanupJID(id, jid string) {
	c.mu.RLock()
	m, ok := c.minions[id]
	c.mu.RUnlock()
	if ok {
		m.CleanupJID(jid)
	}
}

// Stats computes the seen/active/offline/total gauges published as
// salt_minions, bucketed by an "active within" window derived from ts.
// Mirrors the original MinionsCollection.get_stats bucket set, adapted
// to the redesigned any-event LastActivity liveness signal: active_ever
// counts minions with any recorded activity at all, active_never is the
// complement, and offline is independent of both (a minion can be
// offline yet still counted in active_ever from its prior activity).
func (c *Collection) Stats(ts time.Time) map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	windows := []struct {
		name string
		d    time.Duration
	}{
		{"active_1m", time.Minute},
		{"active_5m", 5 * time.Minute},
		{"active_15m", 15 * time.Minute},
		{"active_1h", time.Hour},
		{"active_24h", 24 * time.Hour},
	}

	stats := make(map[string]int, len(windows)+5)
	offline := 0
	activeEver := 0
	for _, m := range c.minions {
		if m.IsOffline() {
			offline++
		}
		last := m.LastActivity()
		if last.IsZero() {
			continue
		}
		activeEver++
		for _, w := range windows {
			if ts.Sub(last) <= w.d {
				stats[w.name]++
			}
		}
	}
	stats["seen"] = len(c.minions)
	stats["active_ever"] = activeEver
	stats["active_never"] = len(c.minions) - activeEver
	stats["offline"] = offline
	stats["total"] = len(c.minions)
	return stats
}
