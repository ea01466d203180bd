// Package reconcile merges freshly observed threads into the record of
// threads that were already mirrored.
package reconcile

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/ibeckermayer/threadmirror/internal/types"
)

// Pending marks the unpublished tail of a merged thread
type Pending struct {
	Thread int // index into Result.Threads
	From   int // index of the first post not yet published
}

// Anomaly records an observed thread that overlaps more than one stored
// thread. Its new posts were merged into Stored[0] only.
type Anomaly struct {
	Observed int   // index after observed threads were folded together
	Stored   []int // overlapping stored thread indexes, ascending
}

// Result is the outcome of a reconciliation
type Result struct {
	Threads   []types.Thread
	Changed   bool
	Pending   []Pending
	Anomalies []Anomaly
}

// Reconcile merges observed into stored. Stored threads keep their order and
// only ever grow at the end; observed threads sharing no post URL with any
// stored thread are new and come first in the output. No post URL appears
// twice in Result.Threads, and reconciling the same observation against the
// result again reports no change.
func Reconcile(observed, stored []types.Thread) Result {
	observed = fold(observed)

	merged := make([]types.Thread, len(stored))
	owner := make(map[string]int)
	for i, t := range stored {
		merged[i] = append(types.Thread(nil), t...)
		for _, p := range t {
			if _, ok := owner[p.URL]; !ok {
				owner[p.URL] = i
			}
		}
	}

	seen := make(map[string]struct{}, len(owner))
	for u := range owner {
		seen[u] = struct{}{}
	}

	var fresh []types.Thread
	var anomalies []Anomaly
	for oi, ot := range observed {
		matches := overlapping(ot, owner)
		if len(matches) == 0 {
			fresh = append(fresh, ot)
			for _, p := range ot {
				seen[p.URL] = struct{}{}
			}
			continue
		}
		if len(matches) > 1 {
			anomalies = append(anomalies, Anomaly{Observed: oi, Stored: matches})
		}

		target := matches[0]
		for _, p := range ot {
			if _, ok := seen[p.URL]; ok {
				continue
			}
			merged[target] = append(merged[target], p)
			seen[p.URL] = struct{}{}
		}
	}

	threads := make([]types.Thread, 0, len(fresh)+len(merged))
	threads = append(threads, fresh...)
	res := Result{
		Threads:   append(threads, merged...),
		Anomalies: anomalies,
	}
	for i := range fresh {
		res.Pending = append(res.Pending, Pending{Thread: i, From: 0})
	}
	for i, t := range merged {
		if len(t) > len(stored[i]) {
			res.Pending = append(res.Pending, Pending{Thread: len(fresh) + i, From: len(stored[i])})
		}
	}
	res.Changed = !sameJSON(res.Threads, stored)

	return res
}

// fold drops posts without a URL and repeated URLs, and joins observed
// threads that share a post into the first of them.
func fold(observed []types.Thread) []types.Thread {
	var out []types.Thread
	index := make(map[string]int)

	for _, t := range observed {
		target := -1
		for _, p := range t {
			if i, ok := index[p.URL]; ok {
				target = i
				break
			}
		}
		if target < 0 {
			out = append(out, nil)
			target = len(out) - 1
		}
		for _, p := range t {
			if p.URL == "" {
				continue
			}
			if _, ok := index[p.URL]; ok {
				continue
			}
			index[p.URL] = target
			out[target] = append(out[target], p)
		}
	}

	kept := out[:0]
	for _, t := range out {
		if len(t) > 0 {
			kept = append(kept, t)
		}
	}
	return kept
}

func overlapping(t types.Thread, owner map[string]int) []int {
	set := make(map[int]struct{})
	for _, p := range t {
		if i, ok := owner[p.URL]; ok {
			set[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func sameJSON(a, b []types.Thread) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
