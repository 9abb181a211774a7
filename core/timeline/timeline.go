// Package timeline indexes connection ids by last-activity time so that the
// reactor can find and evict idle connections in bulk.
//
// Times are plain int64 ticks (the reactor uses microseconds). An id lives in
// exactly one bucket, keyed by its time rounded down to the granularity.
package timeline

import (
	"slices"
)

// ID identifies an indexed connection.
type ID = int

type bucket struct {
	key int64
	ids []ID // sorted
}

// Index is a two-level id→time, time-bucket→ids map. It is not safe for
// concurrent use.
type Index struct {
	granularity int64
	times       map[ID]int64
	buckets     []*bucket // sorted by key
}

// New returns an empty index. granularity < 1 is treated as 1.
func New(granularity int64) *Index {
	if granularity < 1 {
		granularity = 1
	}
	return &Index{
		granularity: granularity,
		times:       make(map[ID]int64),
	}
}

// Granularity returns the bucket width.
func (x *Index) Granularity() int64 {
	return x.granularity
}

// Floor rounds t down to its bucket key.
func (x *Index) Floor(t int64) int64 {
	r := t % x.granularity
	if r < 0 {
		r += x.granularity
	}
	return t - r
}

// Register records id as active at t, moving it out of its previous bucket.
func (x *Index) Register(id ID, t int64) {
	if old, ok := x.times[id]; ok {
		if x.Floor(old) == x.Floor(t) {
			x.times[id] = t
			return
		}
		x.unbucket(id, old)
	}
	x.times[id] = t

	key := x.Floor(t)
	i, found := x.find(key)
	if !found {
		x.buckets = slices.Insert(x.buckets, i, &bucket{key: key})
	}
	b := x.buckets[i]
	j, _ := slices.BinarySearch(b.ids, id)
	b.ids = slices.Insert(b.ids, j, id)
}

// Delete removes id. Unknown ids are ignored.
func (x *Index) Delete(id ID) {
	t, ok := x.times[id]
	if !ok {
		return
	}
	delete(x.times, id)
	x.unbucket(id, t)
}

// Lookup returns the last-activity time of id.
func (x *Index) Lookup(id ID) (int64, bool) {
	t, ok := x.times[id]
	return t, ok
}

// Len returns the number of indexed ids.
func (x *Index) Len() int {
	return len(x.times)
}

// Buckets returns the number of non-empty buckets.
func (x *Index) Buckets() int {
	return len(x.buckets)
}

// EvictBefore drops every id whose bucket is strictly older than the bucket of
// cutoff and returns how many were removed.
func (x *Index) EvictBefore(cutoff int64) int {
	limit := x.Floor(cutoff)
	n := 0
	k := 0
	for k < len(x.buckets) && x.buckets[k].key < limit {
		for _, id := range x.buckets[k].ids {
			delete(x.times, id)
		}
		n += len(x.buckets[k].ids)
		k++
	}
	clear(x.buckets[:k])
	x.buckets = x.buckets[k:]
	return n
}

// Iterator is the resumable position of an enumeration. The zero value starts
// from the oldest bucket.
type Iterator struct {
	key     int64
	id      ID
	started bool
}

// Reset rewinds the iterator to the beginning.
func (it *Iterator) Reset() {
	*it = Iterator{}
}

// Next returns the next id, in ascending (bucket, id) order, whose bucket is
// strictly older than the bucket of cutoff. It returns false when there is
// none; the iterator then stays put so a later call with a newer cutoff
// continues from the same place. Ids may be deleted or re-registered between
// calls.
func (x *Index) Next(it *Iterator, cutoff int64) (ID, bool) {
	limit := x.Floor(cutoff)

	i := 0
	if it.started {
		i, _ = x.find(it.key)
	}
	for ; i < len(x.buckets); i++ {
		b := x.buckets[i]
		if b.key >= limit {
			return 0, false
		}
		j := 0
		if it.started && b.key == it.key {
			j, _ = slices.BinarySearch(b.ids, it.id)
			if j < len(b.ids) && b.ids[j] == it.id {
				j++
			}
		}
		if j < len(b.ids) {
			it.key, it.id, it.started = b.key, b.ids[j], true
			return b.ids[j], true
		}
	}
	return 0, false
}

func (x *Index) find(key int64) (int, bool) {
	return slices.BinarySearchFunc(x.buckets, key, func(b *bucket, k int64) int {
		switch {
		case b.key < k:
			return -1
		case b.key > k:
			return 1
		}
		return 0
	})
}

func (x *Index) unbucket(id ID, t int64) {
	i, found := x.find(x.Floor(t))
	if !found {
		return
	}
	b := x.buckets[i]
	if j, ok := slices.BinarySearch(b.ids, id); ok {
		b.ids = slices.Delete(b.ids, j, j+1)
	}
	if len(b.ids) == 0 {
		x.buckets = slices.Delete(x.buckets, i, i+1)
	}
}
