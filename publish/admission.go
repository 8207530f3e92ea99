package publish

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/publish/errors"
)

// Admission is a non-blocking counting budget for concurrent units of work
type Admission struct {
	mu    sync.Mutex
	inUse int
	max   int
	peak  int
}

// NewAdmission creates a budget of max slots. max below one becomes one.
func NewAdmission(max int) *Admission {
	if max < 1 {
		max = 1
	}
	return &Admission{max: max}
}

// Acquire takes a slot if one is free. It never blocks.
func (a *Admission) Acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse >= a.max {
		return false
	}
	a.inUse++
	if a.inUse > a.peak {
		a.peak = a.inUse
	}
	return true
}

// Release returns a slot taken by Acquire
func (a *Admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse == 0 {
		panic(errors.AssertionFailedf("admission released without a matching acquire"))
	}
	a.inUse--
}

// InUse is the number of slots currently held
func (a *Admission) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Peak is the highest number of slots held at once
func (a *Admission) Peak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// Max is the size of the budget
func (a *Admission) Max() int {
	return a.max
}

// Barrier waits for every unit of a walk, the first one included. The first
// unit error cancels the context handed to the others.
type Barrier struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewBarrier creates a barrier derived from ctx
func NewBarrier(ctx context.Context) *Barrier {
	g, gctx := errgroup.WithContext(ctx)
	return &Barrier{group: g, ctx: gctx}
}

// Context is canceled when a unit fails or the parent is done
func (b *Barrier) Context() context.Context {
	return b.ctx
}

// Go starts a unit. It may be called from inside a running unit.
func (b *Barrier) Go(fn func(ctx context.Context) error) {
	b.group.Go(func() error {
		return fn(b.ctx)
	})
}

// Wait blocks until all units have returned
func (b *Barrier) Wait() error {
	return b.group.Wait()
}
