package registry

import "sync"

// roundRobin holds the per-process selection counters keyed on
// (app, canonical-name). Exact global round-robin across instances is
// explicitly not a goal.
type roundRobin struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{counters: make(map[string]uint64)}
}

func rrKey(appID, canonical string) string { return appID + ":" + canonical }

// RoundRobinIndex returns the index of the candidate to use for this request
// among n siblings. The counter is not consumed; call RoundRobinAdvance on
// success (including cache HIT) to move to the next sibling.
func (r *Registry) RoundRobinIndex(appID, canonical string, n int) int {
	if n <= 0 {
		return 0
	}

	r.rr.mu.Lock()
	defer r.rr.mu.Unlock()

	return int(r.rr.counters[rrKey(appID, canonical)] % uint64(n))
}

// RoundRobinAdvance moves the counter for (app, canonical) forward by one.
func (r *Registry) RoundRobinAdvance(appID, canonical string) {
	r.rr.mu.Lock()
	defer r.rr.mu.Unlock()

	r.rr.counters[rrKey(appID, canonical)]++
}
