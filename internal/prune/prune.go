// Package prune implements the bucketed keep/remove retention policy over a
// backup group's snapshots (spec.md §4.6): last/hourly/daily/weekly/monthly/
// yearly buckets, protection, and the partial-snapshot grace rule.
//
// Grounded on spec.md §4.6/§8/S3-S5 and cross-checked against
// original_source/tests/prune.rs's fixtures (the only retrieved pbs-datastore
// prune source is the test file; the bucket semantics below are reconstructed
// to match those fixtures exactly — see DESIGN.md's Open Question decisions).
package prune

import (
	"sort"
	"time"
)

// Mark is the keep/remove decision for one snapshot.
type Mark int

const (
	MarkRemove Mark = iota
	MarkKeep
)

func (m Mark) Keep() bool { return m == MarkKeep }

// BackupInfo describes one snapshot under consideration.
type BackupInfo struct {
	// Path identifies the snapshot (e.g. "host/elsa/2019-11-15T10:39:15Z"),
	// used only for output; ordering is by Timestamp.
	Path string
	// Timestamp is the snapshot's recorded RFC-3339 directory-name time,
	// used for both sorting and the "last" bucket's timestamp source (spec
	// §9's Open Question; confirmed against tests/prune.rs).
	Timestamp time.Time
	// IsComplete is false for a snapshot lacking a signed manifest.
	IsComplete bool
	// IsProtected marks a snapshot excluded from every bucket and never
	// removed.
	IsProtected bool
}

// KeepSpec is the retention parameter: each field, if non-nil, enables that
// bucket with the given non-negative quota.
type KeepSpec struct {
	KeepLast    *uint64
	KeepHourly  *uint64
	KeepDaily   *uint64
	KeepWeekly  *uint64
	KeepMonthly *uint64
	KeepYearly  *uint64
}

// Result pairs a snapshot with its computed mark.
type Result struct {
	Info BackupInfo
	Mark Mark
}

type bucketSpec struct {
	quota *uint64
	keyOf func(t time.Time, seq int) any
}

// buckets, in the priority order spec.md §4.6 mandates: last, hourly, daily,
// weekly, monthly, yearly.
func bucketSpecs(keep KeepSpec) []bucketSpec {
	return []bucketSpec{
		{keep.KeepLast, func(_ time.Time, seq int) any { return seq }},
		{keep.KeepHourly, func(t time.Time, _ int) any { return t.UTC().Unix() / 3600 }},
		{keep.KeepDaily, func(t time.Time, _ int) any {
			lt := t.Local()
			y, m, d := lt.Date()
			return [3]int{y, int(m), d}
		}},
		{keep.KeepWeekly, func(t time.Time, _ int) any {
			y, w := t.Local().ISOWeek()
			return [2]int{y, w}
		}},
		{keep.KeepMonthly, func(t time.Time, _ int) any {
			lt := t.Local()
			return [2]int{lt.Year(), int(lt.Month())}
		}},
		{keep.KeepYearly, func(t time.Time, _ int) any { return t.Local().Year() }},
	}
}

// Compute applies the retention policy to list, returning one Result per
// input snapshot. Results preserve the input order (not sorted).
func Compute(list []BackupInfo, keep KeepSpec) []Result {
	n := len(list)
	results := make([]Result, n)
	for i, info := range list {
		results[i] = Result{Info: info}
	}

	// Sort indices newest-first for bucket evaluation without disturbing
	// the caller-visible result order.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return list[order[a]].Timestamp.After(list[order[b]].Timestamp)
	})

	eligible := make([]bool, n) // candidate for bucket assignment
	for rank, idx := range order {
		info := list[idx]
		switch {
		case info.IsProtected:
			results[idx].Mark = MarkKeep
		case !info.IsComplete:
			if rank == 0 {
				// Transient newly-started backup grace: the single newest
				// snapshot, if partial, is neither removed nor bucketed.
				results[idx].Mark = MarkKeep
			} else {
				results[idx].Mark = MarkRemove
			}
		default:
			eligible[idx] = true
		}
	}

	for _, spec := range bucketSpecs(keep) {
		if spec.quota == nil {
			continue
		}
		quota := *spec.quota
		if quota == 0 {
			continue
		}
		// Slots already holding a snapshot kept by an earlier bucket are
		// filled, but do not count toward this bucket's quota.
		covered := make(map[any]bool)
		seq := 0
		for _, idx := range order {
			if !eligible[idx] {
				continue
			}
			if results[idx].Mark == MarkKeep {
				covered[spec.keyOf(list[idx].Timestamp, seq)] = true
			}
			seq++
		}
		seen := make(map[any]bool)
		seq = 0
		for _, idx := range order {
			if !eligible[idx] {
				continue
			}
			key := spec.keyOf(list[idx].Timestamp, seq)
			seq++
			if seen[key] || covered[key] {
				continue
			}
			if uint64(len(seen)) >= quota {
				continue
			}
			seen[key] = true
			results[idx].Mark = MarkKeep
		}
	}

	return results
}
