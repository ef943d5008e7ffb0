// Package memstore is an in-process, append-only warehouse. Rows are indexed
// partition -> version -> rows, and "latest" is resolved at read time.
package memstore

import (
	"sort"
	"sync"

	"sales-ingest/internal/models"
)

// Partition is the (scope, snapshot_date) a row belongs to.
type Partition struct {
	Scope        string
	SnapshotDate string
}

// Index holds the rows of one table.
type Index[R any] struct {
	mu    sync.RWMutex
	parts map[Partition]map[models.Version][]R
	stamp func(R) models.Stamp
}

// NewIndex creates an index that reads each row's stamp with stamp.
func NewIndex[R any](stamp func(R) models.Stamp) *Index[R] {
	return &Index[R]{
		parts: make(map[Partition]map[models.Version][]R),
		stamp: stamp,
	}
}

// Append adds rows under their own partition and version. Existing rows are
// never touched.
func (ix *Index[R]) Append(rows []R) {
	if len(rows) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, r := range rows {
		st := ix.stamp(r)
		p := Partition{Scope: st.Scope, SnapshotDate: st.SnapshotDate}
		versions, ok := ix.parts[p]
		if !ok {
			versions = make(map[models.Version][]R)
			ix.parts[p] = versions
		}
		v := norm(st.Version())
		versions[v] = append(versions[v], r)
	}
}

// Latest returns the highest version stored for the partition.
func (ix *Index[R]) Latest(p Partition) (models.Version, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var best models.Version
	found := false
	for v := range ix.parts[p] {
		if !found || v.After(best) {
			best = v
			found = true
		}
	}
	return best, found
}

// At returns a copy of the rows written under version v.
func (ix *Index[R]) At(p Partition, v models.Version) []R {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rows := ix.parts[p][norm(v)]
	return append([]R(nil), rows...)
}

// Versions lists the partition's versions, oldest first.
func (ix *Index[R]) Versions(p Partition) []models.Version {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]models.Version, 0, len(ix.parts[p]))
	for v := range ix.parts[p] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].After(out[i]) })
	return out
}

// LatestPerKey keeps, for every key, the row from the highest version that
// contains that key. Rows rejected by keep are ignored.
func (ix *Index[R]) LatestPerKey(p Partition, key func(R) string, keep func(R) bool) []R {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	type entry struct {
		row R
		v   models.Version
	}
	best := make(map[string]entry)
	for v, rows := range ix.parts[p] {
		for _, r := range rows {
			if keep != nil && !keep(r) {
				continue
			}
			k := key(r)
			if cur, ok := best[k]; ok && !v.After(cur.v) {
				continue
			}
			best[k] = entry{row: r, v: v}
		}
	}

	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]R, 0, len(keys))
	for _, k := range keys {
		out = append(out, best[k].row)
	}
	return out
}

// Len returns the total number of rows across all partitions.
func (ix *Index[R]) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, versions := range ix.parts {
		for _, rows := range versions {
			n += len(rows)
		}
	}
	return n
}

// norm makes equal instants equal map keys.
func norm(v models.Version) models.Version {
	v.IngestedAt = v.IngestedAt.UTC()
	return v
}
