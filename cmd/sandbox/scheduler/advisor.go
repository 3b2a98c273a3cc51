package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Advisor thresholds: code that historically finishes fast is worth
// dispatching first; slow code yields to interactive work.
const (
	advisorFastAvg = 500 * time.Millisecond
	advisorSlowAvg = 2 * time.Second
)

type codeStats struct {
	count    int64
	total    time.Duration
	min      time.Duration
	max      time.Duration
	lastSeen time.Time
}

func (s *codeStats) average() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.total / time.Duration(s.count)
}

// Advisor suggests a priority for code the caller did not classify,
// keyed by the SHA-256 of the code text. The map is bounded; when it
// overflows, the oldest quarter by last-seen is evicted.
type Advisor struct {
	mu      sync.Mutex
	stats   map[string]*codeStats
	maxSize int
}

// NewAdvisor creates an execution history advisor.
func NewAdvisor(maxSize int) *Advisor {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Advisor{
		stats:   make(map[string]*codeStats),
		maxSize: maxSize,
	}
}

func codeKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Record folds one execution duration into the history.
func (a *Advisor) Record(code string, d time.Duration) {
	key := codeKey(code)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stats[key]
	if !ok {
		s = &codeStats{min: d, max: d}
		a.stats[key] = s
	}
	s.count++
	s.total += d
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.lastSeen = now

	if len(a.stats) > a.maxSize {
		a.evictLocked()
	}
}

// Suggest returns a priority hint for the code, or PriorityNormal when
// no history exists.
func (a *Advisor) Suggest(code string) Priority {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stats[codeKey(code)]
	if !ok || s.count == 0 {
		return PriorityNormal
	}
	avg := s.average()
	switch {
	case avg < advisorFastAvg:
		return PriorityHigh
	case avg > advisorSlowAvg:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// evictLocked drops the oldest 25% of entries by last-seen time.
func (a *Advisor) evictLocked() {
	type aged struct {
		key      string
		lastSeen time.Time
	}
	entries := make([]aged, 0, len(a.stats))
	for key, s := range a.stats {
		entries = append(entries, aged{key, s.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})
	evict := len(entries) / 4
	if evict < 1 {
		evict = 1
	}
	for _, e := range entries[:evict] {
		delete(a.stats, e.key)
	}
}

// Size returns the number of tracked code hashes.
func (a *Advisor) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.stats)
}
