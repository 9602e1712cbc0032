// Package fleet keeps the live position of every vehicle. It is the single
// source of truth shared by the simulators, the report handler and the query
// side.
//
// Each vehicle id maps to an atomic pointer to an immutable snapshot, so a
// reader always sees a whole record and writers of different vehicles never
// contend on a shared lock.
package fleet

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bus-tracker/internal/transit"
)

const DefaultStaleAfter = 300 * time.Second

// Listener is called after every successful upsert, on the writer's goroutine.
type Listener func(transit.VehiclePosition)

type Store struct {
	staleAfter time.Duration
	entries    sync.Map // vehicle id -> *entry
	listeners  atomic.Pointer[[]Listener]
}

type entry struct {
	cur atomic.Pointer[transit.VehiclePosition]
}

// pruned marks an entry Prune has claimed. Such an entry is never written
// again; writers move on to a fresh entry.
var pruned = &transit.VehiclePosition{}

func NewStore(staleAfter time.Duration) *Store {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Store{staleAfter: staleAfter}
}

func (s *Store) StaleAfter() time.Duration { return s.staleAfter }

// OnUpsert registers l. Safe to call at any time.
func (s *Store) OnUpsert(l Listener) {
	for {
		old := s.listeners.Load()
		var next []Listener
		if old != nil {
			next = slices.Clone(*old)
		}
		next = append(next, l)
		if s.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Upsert replaces the record of p.VehicleID. UpdatedAt is forced to move
// forward: a timestamp not after the previous one becomes previous+1ns.
// The stored record is returned.
func (s *Store) Upsert(p transit.VehiclePosition) transit.VehiclePosition {
	for {
		v, _ := s.entries.LoadOrStore(p.VehicleID, &entry{})
		e := v.(*entry)
		if stored, ok := e.swap(p); ok {
			s.notify(stored)
			return stored
		}
		// Claimed by Prune: finish its delete and retry on a fresh entry.
		s.entries.CompareAndDelete(p.VehicleID, e)
	}
}

// swap installs p unless the entry has been pruned.
func (e *entry) swap(p transit.VehiclePosition) (transit.VehiclePosition, bool) {
	for {
		prev := e.cur.Load()
		if prev == pruned {
			return transit.VehiclePosition{}, false
		}
		next := p
		if prev != nil && !next.UpdatedAt.After(prev.UpdatedAt) {
			next.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
		}
		if e.cur.CompareAndSwap(prev, &next) {
			return next, true
		}
	}
}

func (s *Store) notify(p transit.VehiclePosition) {
	if ls := s.listeners.Load(); ls != nil {
		for _, l := range *ls {
			l(p)
		}
	}
}

func (s *Store) active(p *transit.VehiclePosition, now time.Time) bool {
	return p != nil && p != pruned && now.Sub(p.UpdatedAt) < s.staleAfter
}

// Get returns the record of id if it is still active at now.
func (s *Store) Get(id string, now time.Time) (transit.VehiclePosition, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return transit.VehiclePosition{}, false
	}
	p := v.(*entry).cur.Load()
	if !s.active(p, now) {
		return transit.VehiclePosition{}, false
	}
	return *p, true
}

// SnapshotActive returns every record updated within the stale window,
// ordered by vehicle id. Each record is internally consistent; upserts racing
// with the scan may or may not be reflected.
func (s *Store) SnapshotActive(now time.Time) []transit.VehiclePosition {
	return s.collect(now, func(transit.VehiclePosition) bool { return true })
}

// ListByRoute is SnapshotActive restricted to one route.
func (s *Store) ListByRoute(operator string, number int, now time.Time) []transit.VehiclePosition {
	return s.collect(now, func(p transit.VehiclePosition) bool {
		return p.Operator == operator && p.RouteNumber == number
	})
}

func (s *Store) collect(now time.Time, keep func(transit.VehiclePosition) bool) []transit.VehiclePosition {
	var out []transit.VehiclePosition
	s.entries.Range(func(_, v any) bool {
		p := v.(*entry).cur.Load()
		if s.active(p, now) && keep(*p) {
			out = append(out, *p)
		}
		return true
	})
	slices.SortFunc(out, func(a, b transit.VehiclePosition) int {
		return strings.Compare(a.VehicleID, b.VehicleID)
	})
	return out
}

// Prune drops records that are stale at now and reports how many went away.
// Reads already exclude them, so pruning only bounds memory. A record is
// claimed with a compare-and-swap before its entry is deleted, so an upsert
// racing with Prune either lands first and survives or retries on a new
// entry.
func (s *Store) Prune(now time.Time) int {
	n := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if p := e.cur.Load(); p != nil && p != pruned && !s.active(p, now) && e.cur.CompareAndSwap(p, pruned) {
			s.entries.CompareAndDelete(k, e)
			n++
		}
		return true
	})
	return n
}

// Len counts entries, stale ones included.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
