// Package scheduler is a reference implementation of contracts.TaskRunner:
// a single cooperative task loop, single-threaded by construction — there
// is no shared-memory mutation from outside the loop. Providers may do I/O
// off-loop but must post results back as tasks.
//
// Delayed tasks are kept under the same mutex in an unbounded
// container/heap min-heap ordered by deadline, then by posting sequence.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/applianced/applianced/pkg/contracts"
)

// Scheduler runs posted closures on a single goroutine, preserving FIFO
// order for same-deadline tasks and monotonic deadline order for delayed
// tasks (spec §5).
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	delayed delayedHeap
	seq     uint64
	closed  bool
	done    chan struct{}
}

// New creates and starts a Scheduler. Call Stop to shut it down.
func New() *Scheduler {
	s := &Scheduler{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Post enqueues fn to run as soon as the loop is free.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
}

// PostDelayed enqueues fn to run no earlier than delay from now. The
// returned CancelFunc prevents fn from running if called before it fires;
// it is a no-op if fn has already run or been canceled.
func (s *Scheduler) PostDelayed(fn func(), delay time.Duration) contracts.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.seq++
	item := &delayedTask{
		deadline: time.Now().Add(delay),
		seq:      s.seq,
		fn:       fn,
	}
	heap.Push(&s.delayed, item)
	s.cond.Signal()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		item.canceled = true
	}
}

// Stop halts the loop. Pending tasks are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for !s.closed && len(s.queue) == 0 && s.delayed.Len() == 0 {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}

		// Promote any delayed tasks whose deadline has passed.
		now := time.Now()
		for s.delayed.Len() > 0 && !s.delayed[0].canceled && !s.delayed[0].deadline.After(now) {
			item := heap.Pop(&s.delayed).(*delayedTask)
			s.queue = append(s.queue, item.fn)
		}
		for s.delayed.Len() > 0 && s.delayed[0].canceled {
			heap.Pop(&s.delayed)
		}

		if len(s.queue) == 0 {
			// Nothing ready yet; sleep until the next deadline or a new Post.
			var wait time.Duration
			if s.delayed.Len() > 0 {
				wait = time.Until(s.delayed[0].deadline)
			} else {
				wait = time.Hour
			}
			timer := time.AfterFunc(wait, func() {
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			})
			s.cond.Wait()
			timer.Stop()
			s.mu.Unlock()
			continue
		}

		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

type delayedTask struct {
	deadline time.Time
	seq      uint64
	canceled bool
	fn       func()
}

// delayedHeap orders by deadline, breaking ties by sequence number so
// same-deadline tasks stay FIFO.
type delayedHeap []*delayedTask

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*delayedTask)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// CancelToken implements the weak-callback idiom from spec §9: a token
// handed out alongside every scheduled closure. Once Invalidate is called
// (component teardown), pending closures that check Valid become no-ops.
type CancelToken struct {
	mu    sync.Mutex
	valid bool
}

// NewCancelToken returns a token that starts out valid.
func NewCancelToken() *CancelToken {
	return &CancelToken{valid: true}
}

// Valid reports whether the owning component is still alive.
func (t *CancelToken) Valid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid
}

// Invalidate marks the token dead; every future Valid() call returns false.
func (t *CancelToken) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid = false
}

// Guard wraps fn so it only runs while t is still valid — the idiomatic
// way to post a closure that should become a no-op after teardown.
func Guard(t *CancelToken, fn func()) func() {
	return func() {
		if t.Valid() {
			fn()
		}
	}
}
