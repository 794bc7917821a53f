package resolver

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/graph-automaton/internal/metrics"
)

// Member is one pool endpoint with its own rate limit. A zero Limit means
// unlimited.
type Member struct {
	Resolver Resolver
	Limit    rate.Limit
	Burst    int
}

type member struct {
	res     Resolver
	limiter *rate.Limiter
}

// #region pool
// Pool hands out resolvers round-robin over a fixed endpoint list. At most
// Slots leases are held at once; Acquire blocks for backpressure.
type Pool struct {
	members []member
	cursor  atomic.Uint64
	sem     *semaphore.Weighted
	slots   int
}

// NewPool builds a pool with min(len(members), concurrency) slots. A
// concurrency below 1 means one slot per member.
func NewPool(concurrency int, members ...Member) *Pool {
	p := &Pool{}
	for _, m := range members {
		lim := rate.NewLimiter(rate.Inf, 0)
		if m.Limit > 0 {
			burst := m.Burst
			if burst < 1 {
				burst = 1
			}
			lim = rate.NewLimiter(m.Limit, burst)
		}
		p.members = append(p.members, member{res: m.Resolver, limiter: lim})
	}
	p.slots = len(p.members)
	if concurrency > 0 && concurrency < p.slots {
		p.slots = concurrency
	}
	if p.slots > 0 {
		p.sem = semaphore.NewWeighted(int64(p.slots))
	}
	return p
}

// Of builds an unlimited pool over resolvers.
func Of(concurrency int, rs ...Resolver) *Pool {
	ms := make([]Member, len(rs))
	for i, r := range rs {
		ms[i] = Member{Resolver: r}
	}
	return NewPool(concurrency, ms...)
}

// Len returns the number of endpoints.
func (p *Pool) Len() int { return len(p.members) }

// Slots returns the number of concurrent leases allowed.
func (p *Pool) Slots() int { return p.slots }

// Resolvers returns the endpoints in rotation order.
func (p *Pool) Resolvers() []Resolver {
	out := make([]Resolver, len(p.members))
	for i, m := range p.members {
		out[i] = m.res
	}
	return out
}

// Acquire blocks until a slot is free and the next endpoint's rate limit
// admits a request.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if len(p.members) == 0 {
		return nil, ErrNoResolvers
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l := &Lease{pool: p, idx: int((p.cursor.Add(1) - 1) % uint64(len(p.members)))}
	metrics.PoolInFlight.Inc()
	if err := p.members[l.idx].limiter.Wait(ctx); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

// Close releases the endpoints that hold connections.
func (p *Pool) Close() error {
	var first error
	for _, m := range p.members {
		if c, ok := m.res.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// #endregion pool

// #region lease
// Lease is one held slot bound to an endpoint.
type Lease struct {
	pool *Pool
	idx  int
	once sync.Once
}

// Resolver returns the leased endpoint.
func (l *Lease) Resolver() Resolver { return l.pool.members[l.idx].res }

// Index returns the endpoint position in the pool.
func (l *Lease) Index() int { return l.idx }

// Rotate moves the lease to the following endpoint, waiting for its rate
// limit. It is used to retry on another resolver without giving up the slot.
func (l *Lease) Rotate(ctx context.Context) error {
	l.idx = (l.idx + 1) % len(l.pool.members)
	return l.pool.members[l.idx].limiter.Wait(ctx)
}

// Release returns the slot. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.sem.Release(1)
		metrics.PoolInFlight.Dec()
	})
}

// #endregion lease
