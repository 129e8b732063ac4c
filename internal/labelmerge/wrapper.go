package labelmerge

import "sync"

// MergeCallback is invoked once for each (srcKey, dstKey) pair a newly
// discovered rule collapses together, letting the caller migrate
// whatever it keyed on srcKey (nested maps, metric series) onto dstKey
// before the wrapper drops the old key.
type MergeCallback func(srcKey, dstKey string) bool

// Wrapper is a map[string]any whose keys are transparently rewritten
// through a growing set of cardinality-reduction Rules once the number
// of distinct keys crosses StartMergingOn. It mirrors the nesting saline
// used for sls -> sid -> fun: the merger's label hierarchy is an sls
// Wrapper holding one sid Wrapper per sls, each with its own threshold,
// and the sid Wrapper holds the plain fun -> statuses map.
type Wrapper struct {
	mu             sync.Mutex
	data           map[string]any
	rules          []Rule
	startMergingOn int
	matchQuality   float64
	inMerge        bool
	onNewRules     func(rules []Rule)
	onMerge        MergeCallback
}

func NewWrapper(startMergingOn int, matchQuality float64, onMerge MergeCallback, onNewRules func([]Rule)) *Wrapper {
	if matchQuality <= 0 {
		matchQuality = 0.3
	}
	return &Wrapper{
		data:           make(map[string]any),
		startMergingOn: startMergingOn,
		matchQuality:   matchQuality,
		onMerge:        onMerge,
		onNewRules:     onNewRules,
	}
}

// GetWrapped returns the canonical key `key` rewrites to under the
// current rule set, without mutating anything.
func (w *Wrapper) GetWrapped(key string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Apply(w.rules, key)
}

// Get looks up the wrapped form of key.
func (w *Wrapper) Get(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wrapped := Apply(w.rules, key)
	v, ok := w.data[wrapped]
	return v, ok
}

// Has reports whether the wrapped form of key is present.
func (w *Wrapper) Has(key string) bool {
	_, ok := w.Get(key)
	return ok
}

// Set stores value under the wrapped form of key.
func (w *Wrapper) Set(key string, value any) {
	w.mu.Lock()
	wrapped := Apply(w.rules, key)
	w.data[wrapped] = value
	w.mu.Unlock()
	w.maybeMerge()
}

// Pop removes the wrapped form of key.
func (w *Wrapper) Pop(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wrapped := Apply(w.rules, key)
	delete(w.data, wrapped)
}

// Keys returns every currently distinct (already-wrapped) key.
func (w *Wrapper) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.data))
	for k := range w.data {
		out = append(out, k)
	}
	return out
}

func (w *Wrapper) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// maybeMerge regenerates rules once the key count passes the threshold
// and cascades the resulting merges through onMerge. merge_values in the
// original carries a re-entrancy guard since a merge callback can itself
// trigger inserts; Wrapper does the same via inMerge.
func (w *Wrapper) maybeMerge() {
	w.mu.Lock()
	if w.inMerge || len(w.data) <= w.startMergingOn {
		w.mu.Unlock()
		return
	}
	w.inMerge = true
	keys := make([]string, 0, len(w.data))
	for k := range w.data {
		keys = append(keys, k)
	}
	w.mu.Unlock()

	newRules := GetNewRules(keys, w.matchQuality, w.startMergingOn)

	w.mu.Lock()
	if len(newRules) == 0 {
		w.inMerge = false
		w.mu.Unlock()
		return
	}
	w.rules = append(newRules, w.rules...)
	rules := w.rules
	w.mu.Unlock()

	if w.onNewRules != nil {
		w.onNewRules(newRules)
	}
	for _, k := range keys {
		dst := Apply(rules, k)
		if dst == k {
			continue
		}
		if w.onMerge != nil {
			if ok := w.onMerge(k, dst); !ok {
				continue
			}
		}
		w.mu.Lock()
		if v, exists := w.data[k]; exists {
			delete(w.data, k)
			w.data[dst] = v
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.inMerge = false
	w.mu.Unlock()
}
