package hrq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickN(s *Scheduler, n int) {
	at := time.Unix(0, 0)
	for i := 0; i < n; i++ {
		at = at.Add(TickPeriod)
		s.Tick(at)
	}
}

func TestWeightedFairSharing(t *testing.T) {
	// Two continuously demanding sessions with weights 1 and 3 under a
	// 400 units/s resource: over one second the 400 minted tokens must
	// split 100/300.
	tree := NewTree(400)
	db, err := tree.EnsurePath("db", ResourceOverrides{})
	require.NoError(t, err)

	a := NewSession(db, "client-a")
	b := NewSession(db, "client-b")
	b.Weight = 3
	a.Request(1000)
	b.Request(1000)

	sched := NewScheduler(tree)
	tickN(sched, 10)

	eps := db.Epsilon() * 10
	assert.InDelta(t, 100, a.FreeResource, 1+eps)
	assert.InDelta(t, 300, b.FreeResource, 1+eps)
	assert.LessOrEqual(t, a.FreeResource+b.FreeResource, 400+eps)
}

func TestChildRateCapBindsBelowParent(t *testing.T) {
	// A child limited to 100 units/s under a 400 units/s parent must not
	// exceed its own rate even though its weighted share of the parent is
	// larger.
	tree := NewTree(400)
	limit := 100.0
	db, err := tree.EnsurePath("db", ResourceOverrides{MaxUnitsPerSecond: &limit})
	require.NoError(t, err)

	sess := NewSession(db, "client")
	sess.Request(10000)

	sched := NewScheduler(tree)
	tickN(sched, 10)

	assert.LessOrEqual(t, sess.FreeResource, 100+db.Epsilon()*10)
	assert.Greater(t, sess.FreeResource, 90.0)
}

func TestMaxUnitsPerSecondClampedByParent(t *testing.T) {
	tree := NewTree(100)
	over := 500.0
	db, err := tree.EnsurePath("db", ResourceOverrides{MaxUnitsPerSecond: &over})
	require.NoError(t, err)
	assert.Equal(t, 100.0, db.MaxUnitsPerSecond)
	assert.Equal(t, 10.0, db.ResourceTickQuantum)
}

func TestEnsurePathInheritsAndCreatesIntermediates(t *testing.T) {
	tree := NewTree(200)
	leaf, err := tree.EnsurePath("tenant/db/table", ResourceOverrides{})
	require.NoError(t, err)

	assert.Equal(t, "tenant/db/table", leaf.Path)
	assert.Equal(t, 200.0, leaf.MaxUnitsPerSecond)
	require.NotNil(t, leaf.Parent)
	assert.Equal(t, "tenant/db", leaf.Parent.Path)
	assert.Equal(t, "tenant", leaf.Parent.Parent.Path)
	assert.Same(t, tree.Root(), leaf.Parent.Parent.Parent)
}

func TestCanonicalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b/c", "a/b/c", false},
		{"/a/b/", "a/b", false},
		{"a//b", "a/b", false},
		{"", "", false},
		{"ten-ant/db_1/t.x:y#z", "ten-ant/db_1/t.x:y#z", false},
		{"a b", "", true},
		{"a/\tb", "", true},
		{"данные", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizePath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "path %q", tt.in)
			continue
		}
		require.NoError(t, err, "path %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestEnsurePathRejectsInvalidOverrides(t *testing.T) {
	tree := NewTree(100)
	bad := func(o ResourceOverrides) {
		_, err := tree.EnsurePath("db", o)
		assert.Error(t, err)
	}
	neg := -1.0
	nan := 0.0
	nan /= nan
	watermark := 1.5
	weight := 0.5

	bad(ResourceOverrides{MaxUnitsPerSecond: &neg})
	bad(ResourceOverrides{MaxUnitsPerSecond: &nan})
	bad(ResourceOverrides{PrefetchWatermark: &watermark})
	bad(ResourceOverrides{Weight: &weight})
}

func TestActivationPropagatesUpTheChain(t *testing.T) {
	tree := NewTree(100)
	leaf, err := tree.EnsurePath("a/b/c", ResourceOverrides{})
	require.NoError(t, err)

	sess := NewSession(leaf, "client")
	sess.Request(50)

	assert.True(t, sess.Active)
	assert.True(t, leaf.Active)

	b := leaf.Parent
	root := tree.Root()
	assert.Len(t, b.ActiveChildren, 1)
	assert.Equal(t, leaf.Weight, b.ActiveChildrenWeight)
	assert.Len(t, root.ActiveChildren, 1)
}

func TestSessionStopsDrawingWhenSatisfied(t *testing.T) {
	tree := NewTree(100)
	db, err := tree.EnsurePath("db", ResourceOverrides{})
	require.NoError(t, err)

	sess := NewSession(db, "client")
	sess.Request(5)

	sched := NewScheduler(tree)
	tickN(sched, 10)

	// Balance stops at the requested amount; tokens beyond it are not
	// banked.
	assert.InDelta(t, 5, sess.FreeResource, db.Epsilon())

	// Spending reopens demand, and the next ticks refill it.
	assert.Equal(t, 5.0, sess.Consume(5))
	assert.Equal(t, 5.0, sess.TotalConsumed)
	tickN(sched, 10)
	assert.InDelta(t, 5, sess.FreeResource, db.Epsilon())
}

func TestDeactivateSessionReleasesChain(t *testing.T) {
	tree := NewTree(100)
	db, err := tree.EnsurePath("db", ResourceOverrides{})
	require.NoError(t, err)

	sess := NewSession(db, "client")
	sess.Request(50)
	require.True(t, db.Active)
	require.Len(t, tree.Root().ActiveChildren, 1)

	DeactivateSession(sess)
	assert.False(t, sess.Active)
	assert.False(t, db.Active)
	assert.Empty(t, tree.Root().ActiveChildren)
	assert.Zero(t, tree.Root().ActiveChildrenWeight)
}

func TestNextTickAlignsToBoundaries(t *testing.T) {
	base := time.UnixMicro(0)

	next := NextTick(base)
	assert.Equal(t, base.Add(TickPeriod), next)

	// A mid-tick instant rounds up to the same boundary regardless of
	// offset.
	assert.Equal(t, next, NextTick(base.Add(30*time.Millisecond)))
	assert.Equal(t, next, NextTick(base.Add(99*time.Millisecond)))

	// An exact boundary schedules the next one, never itself.
	assert.Equal(t, base.Add(2*TickPeriod), NextTick(next))
}

func TestTickProcessorQueueOrdering(t *testing.T) {
	q := NewTickProcessorQueue()
	t0 := time.Unix(100, 0)
	q.Push(t0.Add(3*time.Second), 3)
	q.Push(t0.Add(1*time.Second), 1)
	q.Push(t0.Add(2*time.Second), 2)

	var order []ProcessorID
	for q.Len() > 0 {
		_, id, ok := q.Pop()
		require.True(t, ok)
		order = append(order, id)
	}
	assert.Equal(t, []ProcessorID{1, 2, 3}, order)

	_, _, ok := q.Pop()
	assert.False(t, ok)
}

func TestTickProcessorQueueMerge(t *testing.T) {
	t0 := time.Unix(100, 0)
	q1 := NewTickProcessorQueue()
	q1.Push(t0.Add(1*time.Second), 1)
	q1.Push(t0.Add(4*time.Second), 4)

	q2 := NewTickProcessorQueue()
	q2.Push(t0.Add(2*time.Second), 2)
	q2.Push(t0.Add(3*time.Second), 3)

	q1.Merge(q2)
	assert.Zero(t, q2.Len())
	assert.Equal(t, 4, q1.Len())

	var order []ProcessorID
	for q1.Len() > 0 {
		_, id, _ := q1.Pop()
		order = append(order, id)
	}
	assert.Equal(t, []ProcessorID{1, 2, 3, 4}, order)
}

func TestAccountingFlushesAfterReportPeriod(t *testing.T) {
	tree := NewTree(100)
	db, err := tree.EnsurePath("db", ResourceOverrides{})
	require.NoError(t, err)
	db.Accounting = &RateAccounting{
		ReportPeriod:           time.Second,
		ProvisionedCoefficient: 1,
	}

	sink := &InMemoryBillingSink{}
	t0 := time.Unix(1000, 0)

	// First report only opens the period.
	db.Account(t0, 40, sink)
	assert.Empty(t, sink.Reports)

	db.Account(t0.Add(500*time.Millisecond), 40, sink)
	assert.Empty(t, sink.Reports)

	db.Account(t0.Add(1100*time.Millisecond), 40, sink)
	require.Len(t, sink.Reports, 1)
	assert.Equal(t, "db", sink.Reports[0].Path)
	assert.Equal(t, 120.0, sink.Reports[0].Units)

	// The period resets after a flush.
	db.Account(t0.Add(1200*time.Millisecond), 10, sink)
	assert.Len(t, sink.Reports, 1)
}

func TestReportRoutesToNearestAccountingAncestor(t *testing.T) {
	tree := NewTree(100)
	tenant, err := tree.EnsurePath("tenant", ResourceOverrides{})
	require.NoError(t, err)
	tenant.Accounting = &RateAccounting{ReportPeriod: time.Millisecond}

	sink := &InMemoryBillingSink{}
	sched := NewScheduler(tree)
	sched.SetBillingSink(sink)
	t0 := time.Unix(1000, 0)

	require.NoError(t, sched.Report(t0, "tenant/db/table", 10))
	require.NoError(t, sched.Report(t0.Add(time.Second), "tenant/db/table", 5))

	require.Len(t, sink.Reports, 1)
	assert.Equal(t, "tenant", sink.Reports[0].Path)
	assert.Equal(t, 15.0, sink.Reports[0].Units)

	// Reporting keeps the accounting resource queued for further ticks
	// even though no tokens are flowing.
	assert.NotZero(t, sched.queue.Len())

	// No accounting anywhere on the chain: dropped, not an error.
	require.NoError(t, sched.Report(t0, "other/path", 10))
	assert.Len(t, sink.Reports, 1)
}

func TestIdleResourcesDropOutOfQueue(t *testing.T) {
	tree := NewTree(100)
	db, err := tree.EnsurePath("db", ResourceOverrides{})
	require.NoError(t, err)
	sess := NewSession(db, "client")
	sess.Request(50)

	sched := NewScheduler(tree)
	t1 := time.Unix(0, 0).Add(TickPeriod)
	sched.Tick(t1)
	require.NotZero(t, sched.queue.Len(), "active processors self-reschedule")

	// Once the session goes idle the chain deactivates and nothing
	// re-queues itself on the next boundary.
	DeactivateSession(sess)
	sched.Tick(t1.Add(TickPeriod))
	assert.Zero(t, sched.queue.Len())
}

func TestGrantsCascadeWithinOneBoundary(t *testing.T) {
	// Tokens minted at the root must reach a session three levels down in
	// the same Tick call: each granted resource is queued at the same
	// boundary and ticked before the call returns.
	tree := NewTree(100)
	leaf, err := tree.EnsurePath("a/b/c", ResourceOverrides{})
	require.NoError(t, err)
	sess := NewSession(leaf, "client")
	sess.Request(1000)

	sched := NewScheduler(tree)
	sched.Tick(time.Unix(0, 0).Add(TickPeriod))
	assert.InDelta(t, 10, sess.FreeResource, leaf.Epsilon())
}

func TestSchedulerTicksAccountingThroughSink(t *testing.T) {
	tree := NewTree(100)
	db, err := tree.EnsurePath("db", ResourceOverrides{})
	require.NoError(t, err)
	db.Accounting = &RateAccounting{ReportPeriod: 50 * time.Millisecond}

	sess := NewSession(db, "client")
	sess.Request(10000)

	sink := &InMemoryBillingSink{}
	sched := NewScheduler(tree)
	sched.SetBillingSink(sink)
	tickN(sched, 10)

	require.NotEmpty(t, sink.Reports)
	total := 0.0
	for _, rep := range sink.Reports {
		assert.Equal(t, "db", rep.Path)
		total += rep.Units
	}
	assert.LessOrEqual(t, total, 100+db.Epsilon()*10)
}
