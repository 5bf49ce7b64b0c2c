package dqe

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/ridgedb/ridge/internal/statuscode"
)

// MaxReattachDuration bounds how long the executor will keep retrying a
// lost shard before giving up and reporting TxStateUnknown.
const MaxReattachDuration = 4 * time.Second

// Clock abstracts time so reattach's deadline arithmetic is testable
// without sleeping for real; production code uses realClock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// Reattacher drives the reconnect protocol for one shard
// proposal whose pipe was lost.
type Reattacher struct {
	transport ShardTransport
	clock     Clock
	rng       *rand.Rand
}

func NewReattacher(transport ShardTransport, clock Clock, rng *rand.Rand) *Reattacher {
	if clock == nil {
		clock = RealClock
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Reattacher{transport: transport, clock: clock, rng: rng}
}

// PipeLost handles a lost pipe to p's shard, implementing the three-way
// branch: a lost initial proposal, a possibly-persisted
// proposal, and a genuine reattach for Prepared/Executing shards.
func (r *Reattacher) PipeLost(ctx context.Context, p *ShardProposal, readOnly bool) {
	switch p.State {
	case Preparing:
		if p.RestartCount == 0 && !p.Restarting {
			p.OnShardError(statuscode.KindTryLater, errors.New("could not deliver program to shard"))
			return
		}
		p.OnShardError(statuscode.KindTryLater, errors.New("could not prepare program on shard"))
		return
	case Prepared, Executing:
		r.reattach(ctx, p, readOnly)
	default:
		// Lost pipe in any other state is not actionable; leave state as-is
		// for the caller to observe.
	}
}

func (r *Reattacher) reattach(ctx context.Context, p *ShardProposal, readOnly bool) {
	deadline := r.clock.Now().Add(MaxReattachDuration)
	p.Reattach = &ReattachSubstate{Reattaching: true, Deadline: deadline}
	p.RestartCount++

	var delay time.Duration
	attempt := 0
	var cookie uint64

	for {
		if attempt > 0 {
			delay = nextReattachDelay(attempt, delay, r.rng)
		}
		if r.clock.Now().Add(delay).After(deadline) {
			p.Reattach.Reattaching = false
			p.Err = statuscode.ReadOnlyResultUnavailable(readOnly)
			p.State = TxStateUnknown
			return
		}
		if delay > 0 {
			r.clock.Sleep(delay)
		}

		cookie++
		p.Reattach.Cookie = cookie
		resp, err := r.transport.Reattach(ctx, p.ShardID, cookie)
		if err != nil || !resp.OK {
			attempt++
			continue
		}

		// OK response: restore Prepared state. A late reply
		// for an earlier cookie is never possible here since we only read
		// the response to the cookie we just sent.
		p.Reattach.Reattaching = false
		p.State = Prepared
		p.Datashard = &resp.Datashard
		p.CoordinatorID = resp.CoordinatorID
		return
	}
}

