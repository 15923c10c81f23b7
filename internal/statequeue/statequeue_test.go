package statequeue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/applianced/applianced/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyAssignsMonotonicIDs(t *testing.T) {
	q := New(nil)
	id1 := q.Notify("temperature", 21.5, time.Now())
	id2 := q.Notify("humidity", 40, time.Now())
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
}

func TestNotifyCoalescesSameProperty(t *testing.T) {
	q := New(nil)
	q.Notify("temperature", 20.0, time.Now())
	q.Notify("temperature", 21.0, time.Now())
	q.Notify("humidity", 40, time.Now())

	changes := q.GetSince(0)
	require.Len(t, changes, 2, "repeated writes to the same property coalesce into one log entry")
	assert.Equal(t, "temperature", changes[0].PropertyPath)
	assert.Equal(t, 21.0, changes[0].Value)
}

func TestSnapshotReflectsLatestValues(t *testing.T) {
	q := New(nil)
	q.Notify("temperature", 20.0, time.Now())
	q.Notify("temperature", 25.0, time.Now())

	snap := q.Snapshot()
	assert.Equal(t, 25.0, snap["temperature"])
}

func TestGetSinceExcludesAlreadySeenChanges(t *testing.T) {
	q := New(nil)
	id1 := q.Notify("a", 1, time.Now())
	q.Notify("b", 2, time.Now())

	changes := q.GetSince(id1)
	require.Len(t, changes, 1)
	assert.Equal(t, "b", changes[0].PropertyPath)
}

func TestClearUpToCompactsLog(t *testing.T) {
	q := New(nil)
	id1 := q.Notify("a", 1, time.Now())
	q.Notify("b", 2, time.Now())

	q.ClearUpTo(id1)
	assert.Len(t, q.GetSince(0), 1)
	// The last-seen value survives compaction even though its log entry is gone.
	assert.Equal(t, 1, q.Snapshot()["a"])
}

func TestLastIDTracksHighWaterMark(t *testing.T) {
	q := New(nil)
	assert.Equal(t, uint64(0), q.LastID())
	q.Notify("a", 1, time.Now())
	q.Notify("a", 2, time.Now())
	assert.Equal(t, uint64(2), q.LastID())
}

func TestSubscribeFiresImmediatelyWithoutRunner(t *testing.T) {
	q := New(nil)
	var fired int32
	q.Subscribe(func() { atomic.AddInt32(&fired, 1) })

	q.Notify("a", 1, time.Now())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

type fakeRunner struct {
	posted []func()
}

func (r *fakeRunner) Post(fn func()) { fn() }
func (r *fakeRunner) PostDelayed(fn func(), delay time.Duration) contracts.CancelFunc {
	r.posted = append(r.posted, fn)
	return func() {}
}

func TestScheduleNotifyDebouncesBurstsThroughRunner(t *testing.T) {
	runner := &fakeRunner{}
	q := New(runner)
	var fired int32
	q.Subscribe(func() { atomic.AddInt32(&fired, 1) })

	// First notify is outside the debounce window (lastFire is zero value,
	// far in the past) so it fires synchronously through Post-like delay=0.
	q.Notify("a", 1, time.Now())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	// A burst of further notifications within the debounce window should
	// schedule at most one more pending notification via PostDelayed.
	q.Notify("a", 2, time.Now())
	q.Notify("a", 3, time.Now())
	require.Len(t, runner.posted, 1, "only one debounced notification should be scheduled for a burst")

	runner.posted[0]()
	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
}
