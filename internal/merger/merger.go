// Package merger is the sole writer of aggregator state: it consumes
// parsed event.Record values from the parser pool, updates the minion
// and job stores, folds state results into the label-cardinality
// merger, and publishes the metrics text buffer. Grounded on the
// original saline data/merger.py DataMerger.
package merger

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/event"
	"github.com/saline-io/saline/internal/job"
	"github.com/saline-io/saline/internal/labelmerge"
	"github.com/saline-io/saline/internal/metricstore"
	"github.com/saline-io/saline/internal/minion"
)

// slsIDFunStatus is the fully-resolved label tuple a state result is
// recorded under, after both sls and sid have passed through their
// respective label-cardinality wrapper.
type slsIDFunStatus struct {
	sls, id, fun, status string
}

func (k slsIDFunStatus) labels() []string { return []string{k.sls, k.id, k.fun, k.status} }

// Merger owns every piece of mutable aggregator state and is the only
// component allowed to write to it; everything else (the parser pool,
// the HTTP handlers) only reads through its exported accessors.
type Merger struct {
	cfg *config.Config
	log *slog.Logger

	metrics *metricstore.Store
	minions *minion.Collection
	jobs    *job.Collection

	sls *labelmerge.Wrapper // sls -> *labelmerge.Wrapper (sid level)
}

func New(cfg *config.Config, logger *slog.Logger) *Merger {
	minions := minion.NewCollection()
	m := &Merger{
		cfg:     cfg,
		log:     logger,
		metrics: metricstore.NewStore(),
		minions: minions,
		jobs:    job.NewCollection(minions),
	}
	m.sls = labelmerge.NewWrapper(cfg.MergeRules.SLS.StartMergingOn, 0.3, m.mergeSLS, m.logNewRules("sls"))
	return m
}

func (m *Merger) logNewRules(level string) func([]labelmerge.Rule) {
	return func(rules []labelmerge.Rule) {
		for _, r := range rules {
			m.log.Info("new label merge rule applied", "level", level, "rule", r.String())
		}
	}
}

// sidWrapper returns the per-sls sid-level Wrapper, creating it (with
// its own merge cascade bound to that sls) on first use. sls may be
// either a raw or already-canonical sls name; Wrapper.Get/Set both
// apply the current rule set, so passing either form is safe.
func (m *Merger) sidWrapper(sls string) *labelmerge.Wrapper {
	if v, ok := m.sls.Get(sls); ok {
		return v.(*labelmerge.Wrapper)
	}
	wrapped := m.sls.GetWrapped(sls)
	w := labelmerge.NewWrapper(m.cfg.MergeRules.SID.StartMergingOn, 0.3, func(src, dst string) bool {
		return m.mergeSID(wrapped, src, dst)
	}, m.logNewRules("sid"))
	m.sls.Set(sls, w)
	return w
}

// mergeSLS cascades every sid known under srcSLS onto dstSLS, migrating
// accumulated metric values for each (fun, status) combination.
func (m *Merger) mergeSLS(srcSLS, dstSLS string) bool {
	srcW, ok := m.sls.Get(srcSLS)
	if !ok {
		return true
	}
	srcWrapper := srcW.(*labelmerge.Wrapper)
	dstWrapper := m.sidWrapper(dstSLS)

	for _, sid := range srcWrapper.Keys() {
		v, ok := srcWrapper.Get(sid)
		if !ok {
			continue
		}
		funs := v.(map[string][]string)
		for fun, statuses := range funs {
			for _, status := range statuses {
				m.moveStateMetrics(slsIDFunStatus{srcSLS, sid, fun, status}, slsIDFunStatus{dstSLS, sid, fun, status})
			}
		}
		dstWrapper.Set(sid, funs)
	}
	return true
}

// mergeSID cascades one sid's observed (fun, status) combinations from
// srcSID onto dstSID within the same sls level.
func (m *Merger) mergeSID(sls, srcSID, dstSID string) bool {
	w := m.sidWrapper(sls)
	v, ok := w.Get(srcSID)
	if !ok {
		return true
	}
	srcFuns := v.(map[string][]string)

	dstFuns := map[string][]string{}
	if dv, ok := w.Get(dstSID); ok {
		dstFuns = dv.(map[string][]string)
	}

	for fun, statuses := range srcFuns {
		for _, status := range statuses {
			m.moveStateMetrics(slsIDFunStatus{sls, srcSID, fun, status}, slsIDFunStatus{sls, dstSID, fun, status})
			dstFuns[fun] = appendUnique(dstFuns[fun], status)
		}
	}
	w.Set(dstSID, dstFuns)
	return true
}

func appendUnique(ss []string, v string) []string {
	for _, s := range ss {
		if s == v {
			return ss
		}
	}
	return append(ss, v)
}

func (m *Merger) moveStateMetrics(src, dst slsIDFunStatus) {
	m.metrics.Move([]int{metricstore.SaltStateResults, metricstore.SaltStateDuration}, src.labels(), dst.labels())
}

// recordSLSIDFun registers that (sls, id, fun) was observed with status,
// resolving both sls and sid through their label-merge wrappers and
// remembering the (fun -> statuses) set so a later cascade can replay it.
func (m *Merger) recordSLSIDFun(sls, id, fun, status string) slsIDFunStatus {
	wrappedSLS := m.sls.GetWrapped(sls)
	sidW := m.sidWrapper(wrappedSLS)
	wrappedID := sidW.GetWrapped(id)

	funs := map[string][]string{}
	if v, ok := sidW.Get(wrappedID); ok {
		funs = v.(map[string][]string)
	}
	funs[fun] = appendUnique(funs[fun], status)
	sidW.Set(wrappedID, funs)

	return slsIDFunStatus{sls: wrappedSLS, id: wrappedID, fun: fun, status: status}
}

// Add is the sole ingestion entry point: every parsed Record flows
// through here, exactly once, from the single merger goroutine.
func (m *Merger) Add(rec *event.Record) {
	m.metrics.Inc(metricstore.SalineInternalRixTotal, []string{strconv.Itoa(rec.RIX)}, 1)
	m.metrics.Inc(metricstore.SaltEventsTotal, nil, 1)
	m.metrics.Inc(metricstore.SaltEventsTags, []string{rec.TagMask}, 1)

	if rec.Fun != "" {
		m.metrics.Inc(metricstore.SaltEventsTagsFuncs, []string{rec.TagMask, rec.Fun}, 1)
	} else {
		m.metrics.Inc(metricstore.SaltEventsTagsFuncs, []string{rec.TagMask, "-"}, 1)
	}

	switch rec.TagMain {
	case event.TagAuth, event.TagKey, event.TagMinionStart, event.TagMinionRefresh, event.TagBeacon:
		if rec.MinionID != "" {
			m.minions.Touch([]string{rec.MinionID}, rec.Timestamp)
		}
	}

	// The minion-store update is unconditional on a JOB/NEW or JOB/RET
	// tag, regardless of whether the event carried a "fun" — a no-fun
	// job event still names a real minion and a real jid.
	if rec.TagMain == event.TagJob && (rec.TagSub == event.SubJobNew || rec.TagSub == event.SubJobRet) {
		m.handleJobEvent(rec)
	}

	if rec.TagMain == event.TagBatch && (rec.TagSub == event.SubBatchStart || rec.TagSub == event.SubBatchDone) {
		if len(rec.DownMinions) > 0 {
			m.minions.Offline(rec.DownMinions, rec.Timestamp)
		}
	}

	if len(rec.Trimmed) > 0 {
		m.log.Warn("event contains trimmed data", "tag", rec.Tag, "jid", rec.JID, "fields", rec.Trimmed)
		m.metrics.Inc(metricstore.SaltEventsTrimmedCount, nil, 1)
		m.metrics.Inc(metricstore.SaltEventsTrimmedTotal, nil, float64(len(rec.Trimmed)))
	}
}

func (m *Merger) handleJobEvent(rec *event.Record) {
	if rec.StateFunArgs != nil && !rec.Offline {
		m.addState(rec)
		return
	}

	minions := rec.TargetMinions()
	if rec.Offline {
		m.minions.Offline(minions, rec.Timestamp)
		return
	}

	status := minion.JobSucceeded
	switch {
	case rec.TagSub == event.SubJobNew:
		status = minion.JobNew
	case !rec.Success:
		status = minion.JobFailed
	}
	m.minions.Update(minions, rec.Timestamp, status, rec.JID, nil)
}

func (m *Merger) addState(rec *event.Record) {
	minions := rec.TargetMinions()
	if len(minions) == 0 {
		m.log.Warn("state event names no minions", "tag", rec.Tag, "jid", rec.JID)
	}

	sj := m.jobs.Get(*rec.StateFunArgs)

	if rec.TagSub == event.SubJobNew {
		sj.Update(minions, job.JobStatusNew, rec.JID, rec.Timestamp)
		return
	}

	m.metrics.Inc(metricstore.SaltStateApplies, nil, 1)

	status := job.JobStatusSucceeded
	switch {
	case rec.Errors > 0:
		m.metrics.Inc(metricstore.SaltStateAppliesStatus, []string{"errors"}, 1)
		status = job.JobStatusFailed
	case rec.StateFunArgs.Test:
		m.metrics.Inc(metricstore.SaltStateAppliesStatus, []string{"test"}, 1)
		for _, sr := range rec.Returns {
			key := m.recordSLSIDFun(sr.SLS, sr.ID, sr.Fun, "notrun")
			m.metrics.Inc(metricstore.SaltStateResults, key.labels(), 1)
			m.metrics.Inc(metricstore.SaltStateDuration, key.labels(), sr.Duration)
		}
	default:
		failed := false
		for _, sr := range rec.Returns {
			resultStatus := "notrun"
			if sr.Result != nil {
				if *sr.Result {
					resultStatus = "succeeded"
				} else {
					resultStatus = "failed"
					failed = true
				}
			}
			if sr.Warning {
				resultStatus += "_with_warning"
			}
			key := m.recordSLSIDFun(sr.SLS, sr.ID, sr.Fun, resultStatus)
			m.metrics.Inc(metricstore.SaltStateResults, key.labels(), 1)
			m.metrics.Inc(metricstore.SaltStateDuration, key.labels(), sr.Duration)
		}
		if failed {
			m.metrics.Inc(metricstore.SaltStateAppliesStatus, []string{"failed"}, 1)
			status = job.JobStatusFailed
		} else {
			m.metrics.Inc(metricstore.SaltStateAppliesStatus, []string{"succeeded"}, 1)
		}
	}

	sj.Update(minions, status, rec.JID, rec.Timestamp)
}

// MetricsBuf returns the last-rendered metrics text buffer.
func (m *Merger) MetricsBuf() string { return m.metrics.Buf() }

// MetricsEpoch returns the current publish epoch.
func (m *Merger) MetricsEpoch() int64 { return m.metrics.Epoch() }

// JobsMetricsUpdate recomputes every gauge (salt_minions, salt_state_jobs)
// from current store state. Run periodically by the maintenance loop,
// never on the ingest path.
func (m *Merger) JobsMetricsUpdate() {
	ts := time.Now()

	for bucket, v := range m.minions.Stats(ts) {
		m.metrics.Set(metricstore.SaltMinions, []string{bucket}, float64(v))
	}

	m.jobs.Each(func(sj *job.StateJob) {
		mods := ""
		if len(sj.StateFunArgs.Mods) > 0 {
			mods = joinMods(sj.StateFunArgs.Mods)
		} else if m.cfg.SetHighstateModsInMetrics != "" {
			mods = m.cfg.SetHighstateModsInMetrics
		}
		testStr := "false"
		if sj.StateFunArgs.Test {
			testStr = "true"
		}

		stats := sj.GetStats()
		set := func(stat string, v int) {
			m.metrics.Set(metricstore.SaltStateJobs, []string{sj.StateFunArgs.Fun, mods, testStr, stat}, float64(v))
		}
		set("pending_jids", stats.PendingJIDs)
		set("completed_jids", stats.CompletedJIDs)
		set("targeted", stats.Targeted)
		set("pending", stats.Pending)
		set("succeeded", stats.Succeeded)
		set("failed", stats.Failed)
		set("timedout", stats.TimedOut)
		set("ever_succeeded", stats.EverSucceeded)
		set("ever_failed", stats.EverFailed)
		set("ever_timedout", stats.EverTimedOut)
		set("all_succeeded", stats.AllSucceeded)
		set("all_failed", stats.AllFailed)
		set("all_timedout", stats.AllTimedOut)
	})
}

func joinMods(mods []string) string {
	out := mods[0]
	for _, m := range mods[1:] {
		out += ", " + m
	}
	return out
}

// CompleteWithTimeout sweeps every job store for minions that have gone
// unanswered past the configured job timeout.
func (m *Merger) CompleteWithTimeout() {
	m.jobs.CompleteWithTimeout(m.cfg.JobTimeout, time.Now())
}

// CleanupJobJIDs evicts completed jids older than JobCleanupAfter.
func (m *Merger) CleanupJobJIDs() {
	ts := time.Now()
	m.jobs.Each(func(sj *job.StateJob) {
		sj.CleanupJIDs(m.cfg.JobCleanupAfter, ts)
	})
}
