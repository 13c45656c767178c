package cache

import "sync/atomic"

// Statistics counts cache activity. Counters are safe for concurrent use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
}

// NewStatistics creates zeroed statistics
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) hit()             { s.hits.Add(1) }
func (s *Statistics) miss()            { s.misses.Add(1) }
func (s *Statistics) set()             { s.sets.Add(1) }
func (s *Statistics) delete()          { s.deletes.Add(1) }
func (s *Statistics) evicted(n int)    { s.evictions.Add(int64(n)) }
func (s *Statistics) updateSize(n int) { s.size.Store(int64(n)) }

// Hits is the number of Get calls answered from the cache
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses is the number of Get calls that found nothing fresh
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets is the number of Set calls
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes is the number of Delete calls that removed an entry
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Evictions is the number of entries dropped because they expired
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// Size is the entry count after the last change
func (s *Statistics) Size() int64 { return s.size.Load() }

// HitRatio is hits over lookups, zero before the first lookup
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
