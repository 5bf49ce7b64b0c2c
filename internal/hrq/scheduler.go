package hrq

import (
	"context"
	"sync"
	"time"
)

// tickTarget is whatever a resource's tick budget can be handed to: either
// a child Resource (itself holding further sub-tree demand) or a Session
// attached directly to the resource.
type tickTarget interface {
	weight() float64
	hasDemand() bool
	grant(amount float64) float64
}

func (r *Resource) weight() float64 { return r.Weight }
func (r *Resource) hasDemand() bool { return r.Active }

// grant accepts at most one quantum's worth of headroom. The cap is what
// makes a child's own MaxUnitsPerSecond bind even when its weighted share
// of the parent is larger: tokens the child cannot buffer stay with the
// parent instead of leaking through.
func (r *Resource) grant(amount float64) float64 {
	headroom := r.ResourceTickQuantum - r.FreeResource
	if headroom < 0 {
		headroom = 0
	}
	take := amount
	if take > headroom {
		take = headroom
	}
	r.FreeResource += take
	return take
}

func (s *Session) weight() float64 {
	if s.Weight >= 1 {
		return s.Weight
	}
	return 1
}

func (s *Session) hasDemand() bool { return s.Active && s.FreeResource < s.AmountRequested }

func (s *Session) grant(amount float64) float64 {
	need := s.AmountRequested - s.FreeResource
	if need < 0 {
		need = 0
	}
	take := amount
	if take > need {
		take = need
	}
	s.FreeResource += take
	s.capFreeResource()
	return take
}

// Scheduler runs the deficit-round-robin tick machinery over a Tree.
// Every resource is its own tick processor in the TickProcessorQueue: it
// is queued for a boundary, distributes its balance to its direct children
// and sessions when popped, and re-queues itself only while demand remains
// below it. An idle node simply drops out of the queue instead of being
// walked every tick; sessions tick through the resource they are attached
// to rather than holding their own queue slot.
type Scheduler struct {
	tree  *Tree
	queue *TickProcessorQueue
	sink  BillingSink

	procs  map[ProcessorID]*Resource
	ids    map[*Resource]ProcessorID
	nextID ProcessorID

	// pending maps each queued processor to its earliest wakeup, so a
	// node granted by its parent and self-scheduled for the same boundary
	// is ticked once, and superseded queue entries are skipped on pop.
	pending map[ProcessorID]time.Time
}

func NewScheduler(tree *Tree) *Scheduler {
	return &Scheduler{
		tree:    tree,
		queue:   NewTickProcessorQueue(),
		procs:   make(map[ProcessorID]*Resource),
		ids:     make(map[*Resource]ProcessorID),
		pending: make(map[ProcessorID]time.Time),
	}
}

// SetBillingSink routes accounting reports from ticked resources; without
// one, accounting state accumulates but never flushes.
func (s *Scheduler) SetBillingSink(sink BillingSink) {
	s.sink = sink
}

// processorID lazily assigns r a stable queue identity.
func (s *Scheduler) processorID(r *Resource) ProcessorID {
	if id, ok := s.ids[r]; ok {
		return id
	}
	s.nextID++
	s.ids[r] = s.nextID
	s.procs[s.nextID] = r
	return s.nextID
}

// scheduleOn queues r's tick at `at` on q, unless an earlier or equal
// wakeup is already pending. When the new wakeup is earlier, the stale
// queue entry stays behind and is skipped on pop.
func (s *Scheduler) scheduleOn(q *TickProcessorQueue, r *Resource, at time.Time) {
	id := s.processorID(r)
	if cur, ok := s.pending[id]; ok && !at.Before(cur) {
		return
	}
	s.pending[id] = at
	q.Push(at, id)
}

func (s *Scheduler) schedule(r *Resource, at time.Time) {
	s.scheduleOn(s.queue, r, at)
}

// Tick processes every processor due at or before now. The root is always
// (re)queued first, so a freshly activated tree starts minting without
// waiting out a boundary. Grants cascade within the boundary: a resource
// that just received tokens is queued at the same instant through a
// scratch queue merged in after its parent's tick, so tokens reach leaf
// sessions in the tick they were minted.
func (s *Scheduler) Tick(now time.Time) {
	s.schedule(s.tree.root, now)
	for {
		at, id, ok := s.queue.Top()
		if !ok || at.After(now) {
			return
		}
		s.queue.Pop()
		if s.pending[id] != at {
			// Superseded by an earlier wakeup that already ticked.
			continue
		}
		delete(s.pending, id)
		s.queue.Merge(s.tickResource(now, s.procs[id]))
	}
}

// tickResource runs one processor's tick: mint (root only), distribute to
// the direct children and sessions, cap the remainder, and decide whether
// to stay in the queue. It returns the wakeups this tick produced — child
// cascades at the same boundary plus its own next tick — for the caller
// to merge into the main queue.
func (s *Scheduler) tickResource(now time.Time, r *Resource) *TickProcessorQueue {
	wakeups := NewTickProcessorQueue()
	if r == nil {
		return wakeups
	}
	if r.Parent == nil {
		r.FreeResource += r.ResourceTickQuantum
	}

	targets := r.activeTargets()
	if len(targets) > 0 && r.FreeResource > r.Epsilon() {
		totalWeight := 0.0
		for _, tgt := range targets {
			totalWeight += tgt.weight()
		}
		if totalWeight > 0 {
			budget := r.FreeResource
			issued := 0.0
			for _, tgt := range targets {
				share := budget * tgt.weight() / totalWeight
				granted := tgt.grant(share)
				r.FreeResource -= granted
				issued += granted
				if child, ok := tgt.(*Resource); ok && granted > 0 {
					// The child now holds tokens its sub-tree is waiting
					// on; tick it within this same boundary.
					s.scheduleOn(wakeups, child, now)
				}
			}
			if issued > 0 && r.Accounting != nil && s.sink != nil {
				r.Account(now, issued, s.sink)
			}
		}
	}
	// The undistributed remainder is capped: a resource never hoards more
	// than one tick's quantum while it still has active children, or more
	// than Burst once it doesn't.
	r.capFreeResource()
	r.reapInactiveChildren()

	if r.Active || len(r.ActiveChildren) > 0 || (r.Accounting != nil && r.Accounting.accumulated > 0) {
		s.scheduleOn(wakeups, r, NextTick(now))
	}
	return wakeups
}

// Run drives ticks until ctx is cancelled, sleeping until the earliest
// queued wakeup (or the next boundary when the queue is idle) and taking
// mu around each Tick so callers can interleave tree mutations under the
// same lock.
func (s *Scheduler) Run(ctx context.Context, mu sync.Locker) {
	for {
		mu.Lock()
		at, _, ok := s.queue.Top()
		mu.Unlock()
		if !ok {
			at = NextTick(time.Now())
		}
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		mu.Lock()
		s.Tick(at)
		mu.Unlock()
	}
}

// Report records externally observed usage (a client reporting what it
// actually spent) against the nearest resource on path's ancestor chain
// with accounting enabled, itself included, and keeps that resource in the
// tick queue so the periodic billing flush fires even while no tokens are
// being issued. Usage on a path with no accounting anywhere above it is
// dropped: nothing is configured to bill it.
func (s *Scheduler) Report(now time.Time, path string, amount float64) error {
	res, err := s.tree.EnsurePath(path, ResourceOverrides{})
	if err != nil {
		return err
	}
	for r := res; r != nil; r = r.Parent {
		if r.Accounting != nil {
			if s.sink != nil {
				r.Account(now, amount, s.sink)
			}
			s.schedule(r, NextTick(now))
			return nil
		}
	}
	return nil
}

// activeTargets returns this resource's active children and the sessions
// that still have unmet demand: the set this tick's FreeResource is split
// across.
func (r *Resource) activeTargets() []tickTarget {
	var out []tickTarget
	for _, c := range r.ActiveChildren {
		out = append(out, c)
	}
	for _, sess := range r.leafSessions {
		if sess.hasDemand() {
			out = append(out, sess)
		}
	}
	return out
}

func (r *Resource) reapInactiveChildren() {
	for _, c := range append([]*Resource(nil), r.ActiveChildren...) {
		if !c.Active && len(c.ActiveChildren) == 0 {
			Deactivate(c)
		}
	}
}

// Activate marks a session active and walks up the parent chain activating
// any resource that was idle, maintaining each ring's membership and
// weight sum along the way.
func Activate(s *Session) {
	s.Active = true
	r := s.Resource
	if r != nil && !r.Active {
		r.Active = true
	}
	activateChain(r)
}

func activateChain(r *Resource) {
	for r != nil && r.Parent != nil {
		parent := r.Parent
		parent.addActiveChild(r)
		r = parent
	}
}

// Deactivate removes a Resource from its parent's active-children ring
// once it has no demand of its own and no active children, and propagates
// the deactivation upward while that remains true.
func Deactivate(r *Resource) {
	r.Active = false
	parent := r.Parent
	if parent == nil {
		return
	}
	parent.removeActiveChild(r)
	if !parent.Active && len(parent.ActiveChildren) == 0 && parent.Parent != nil {
		Deactivate(parent)
	}
}

// DeactivateSession marks a session idle; if it was the last active demand
// on its resource and no sub-resources are active, the resource
// deactivates too.
func DeactivateSession(s *Session) {
	s.Active = false
	r := s.Resource
	if r == nil {
		return
	}
	for _, other := range r.leafSessions {
		if other.Active {
			return
		}
	}
	if len(r.ActiveChildren) == 0 {
		Deactivate(r)
	}
}
