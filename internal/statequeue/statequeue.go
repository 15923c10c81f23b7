// Package statequeue implements the State Change Queue from spec.md
// §3/§4.5: an ordered log of property deltas with monotonically increasing
// change ids, per-property coalescing, and a single debounced listener.
//
// Grounded on internal/sessions.MemorySessionStore (in-memory,
// sync.RWMutex-guarded, monotonic-ID-keyed map), generalized from a
// session-id-keyed map to an ordered multimap with per-property
// coalescing. The debounce timer follows internal/retention.Janitor's
// ticker-driven background loop shape, here driven through the
// contracts.TaskRunner collaborator instead of a bare time.Ticker so it
// stays on the single cooperative task loop spec.md §5 requires.
package statequeue

import (
	"sort"
	"sync"
	"time"

	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
)

// minDebounce is the minimum time between listener notifications (spec.md §4.5).
const minDebounce = 250 * time.Millisecond

// Queue is the State Change Queue. Safe for concurrent use.
type Queue struct {
	runner contracts.TaskRunner

	mu       sync.Mutex
	nextID   uint64
	current  map[string]models.StateChange // latest value per property
	log      []models.StateChange          // insertion order, coalesced
	listener func()
	pending  bool
	lastFire time.Time
	timerOff contracts.CancelFunc
}

// New builds an empty Queue. runner is used to schedule the debounced
// listener notification; pass nil to disable debouncing (tests that want
// synchronous notification).
func New(runner contracts.TaskRunner) *Queue {
	return &Queue{runner: runner, current: map[string]models.StateChange{}}
}

// Subscribe registers the single listener notified after property changes,
// replacing any previous subscriber.
func (q *Queue) Subscribe(listener func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = listener
}

// Notify records a property change and returns its change id. A write to a
// property already present in the uncompacted log coalesces: the log entry
// is updated in place rather than appended again, but id order is still
// monotonic.
func (q *Queue) Notify(propertyPath string, value any, timestamp time.Time) uint64 {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	change := models.StateChange{ID: id, PropertyPath: propertyPath, Value: value, Timestamp: timestamp}
	q.current[propertyPath] = change

	coalesced := false
	for i := range q.log {
		if q.log[i].PropertyPath == propertyPath {
			q.log[i] = change
			coalesced = true
			break
		}
	}
	if !coalesced {
		q.log = append(q.log, change)
	}
	q.mu.Unlock()

	q.scheduleNotify()
	return id
}

// Snapshot returns the current value of every property (always consistent:
// a single lock-protected copy, never a partial view mid-Notify).
func (q *Queue) Snapshot() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]any, len(q.current))
	for k, v := range q.current {
		out[k] = v.Value
	}
	return out
}

// GetSince returns every logged change with id > changeID, in change-id order.
func (q *Queue) GetSince(changeID uint64) []models.StateChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.StateChange, 0, len(q.log))
	for _, c := range q.log {
		if c.ID > changeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClearUpTo compacts the log, dropping entries with id <= changeID. The
// last-seen value for every property is preserved in Snapshot regardless.
func (q *Queue) ClearUpTo(changeID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.log[:0:0]
	for _, c := range q.log {
		if c.ID > changeID {
			kept = append(kept, c)
		}
	}
	q.log = kept
}

// LastID returns the most recently issued change id (the uploader's
// "acknowledged watermark" anchor, spec.md §4.1).
func (q *Queue) LastID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextID
}

// scheduleNotify debounces the listener call: if one is already pending it
// is left alone; otherwise it fires immediately if minDebounce has elapsed
// since the last notification, or is scheduled for the remainder of the
// window.
func (q *Queue) scheduleNotify() {
	q.mu.Lock()
	listener := q.listener
	if listener == nil || q.pending {
		q.mu.Unlock()
		return
	}
	q.pending = true
	elapsed := time.Since(q.lastFire)
	delay := minDebounce - elapsed
	q.mu.Unlock()

	fire := func() {
		q.mu.Lock()
		q.pending = false
		q.lastFire = time.Now()
		l := q.listener
		q.mu.Unlock()
		if l != nil {
			l()
		}
	}

	if delay <= 0 || q.runner == nil {
		fire()
		return
	}
	q.runner.PostDelayed(fire, delay)
}
