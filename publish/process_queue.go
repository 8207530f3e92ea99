package publish

import (
	"context"
	"fmt"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
)

// ProcessQueue walks every level of the run's queue. Branches fan out to
// background units while the thread budget has room and are walked inline
// on the current unit otherwise. It returns once every unit has finished.
type ProcessQueue struct{}

func (ProcessQueue) Process(ctx context.Context, rc *RunContext) error {
	if err := checkRunContext(rc); err != nil {
		return err
	}

	max := rc.MaxConcurrentThreads
	if max < 1 {
		max = am.DefaultMaxConcurrentThreads()
	}
	admission := NewAdmission(max)
	rc.admission.Store(admission)

	log := rc.log()
	log.Infow("Publishing with effective thread budget",
		logger.FieldThreads, admission.Max(),
		logger.FieldMode, rc.Options.Mode.String())

	barrier := NewBarrier(ctx)
	w := &walker{rc: rc, admission: admission, barrier: barrier}

	// The first unit holds a slot for itself so the budget never reads
	// empty while the top-level walk is still fanning out.
	admission.Acquire()
	barrier.Go(func(ctx context.Context) error {
		defer admission.Release()
		for _, level := range rc.Queue {
			if err := w.walk(ctx, rc.Scope, level); err != nil {
				return err
			}
		}
		return nil
	})

	if err := barrier.Wait(); err != nil {
		return err
	}

	writeSummary(rc)
	return nil
}

func checkRunContext(rc *RunContext) error {
	switch {
	case rc == nil:
		return errors.Precondition("run context")
	case rc.Job == nil:
		return errors.Precondition("job")
	case rc.Options == nil:
		return errors.Precondition("publish options")
	}
	return nil
}

type walker struct {
	rc        *RunContext
	admission *Admission
	barrier   *Barrier
}

// frame is one candidate list being iterated. When owner is set the list
// holds the owner's referred items, and the owner's children are decided
// once the list is drained.
type frame struct {
	items  []*Candidate
	next   int
	owner  *Candidate
	result ItemResult
}

// walk processes a list of candidates depth first: each item, then its
// referred items, then its children, before the next sibling.
func (w *walker) walk(ctx context.Context, scope Scope, roots []*Candidate) error {
	stack := []*frame{{items: roots}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.items) {
			stack = stack[:len(stack)-1]
			if top.owner != nil {
				if err := w.descend(ctx, scope, top.owner, top.result, &stack); err != nil {
					return err
				}
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		// Once the run is terminated nothing further is processed, so the
		// whole unit can unwind.
		if w.rc.canTerminate() {
			w.rc.TerminatePublish()
			return nil
		}

		c := top.items[top.next]
		top.next++

		result, err := w.rc.Items.Run(ctx, w.rc, scope, c)
		if err != nil {
			return err
		}

		if len(result.ReferredItems) > 0 {
			stack = append(stack, &frame{items: result.ReferredItems, owner: c, result: result})
			continue
		}
		if err := w.descend(ctx, scope, c, result, &stack); err != nil {
			return err
		}
	}
	return nil
}

// descend hands c's children to a new unit when the budget allows and
// pushes them onto the current walk when it does not.
func (w *walker) descend(ctx context.Context, scope Scope, c *Candidate, result ItemResult, stack *[]*frame) error {
	if w.skipChildren(result, c) {
		return nil
	}

	if w.admission.Acquire() {
		snapshot := struct {
			candidate *Candidate
			scope     Scope
		}{c, scope}

		w.barrier.Go(func(ctx context.Context) error {
			defer w.admission.Release()
			children, err := snapshot.candidate.Children(ctx)
			if err != nil {
				return errors.Wrapf(err, "loading children of %s", snapshot.candidate.ItemID)
			}
			return w.walk(ctx, snapshot.scope, children)
		})
		return nil
	}

	children, err := c.Children(ctx)
	if err != nil {
		return errors.Wrapf(err, "loading children of %s", c.ItemID)
	}
	if len(children) > 0 {
		*stack = append(*stack, &frame{items: children})
	}
	return nil
}

// skipChildren reports whether descent stops at c. A created item always
// cascades to its children outside single item mode, since they are new in
// the target too.
func (w *walker) skipChildren(result ItemResult, c *Candidate) bool {
	switch result.ChildAction {
	case ChildActionSkip:
		return true
	case ChildActionAllow:
		opts := c.Options
		if opts == nil {
			opts = w.rc.Options
		}
		if opts.Mode != ModeSingleItem && result.Operation == OperationCreated {
			return false
		}
		return !opts.Deep()
	default:
		return false
	}
}

// writeSummary reports the final counters to the log and the job
func writeSummary(rc *RunContext) {
	counts := rc.Statistics()
	log := rc.log()

	lines := []string{
		fmt.Sprintf("Items created: %d", counts.Created),
		fmt.Sprintf("Items deleted: %d", counts.Deleted),
		fmt.Sprintf("Items updated: %d", counts.Updated),
		fmt.Sprintf("Items skipped: %d", counts.Skipped),
	}
	for _, line := range lines {
		log.Info(line)
		rc.Job.AddMessage(line)
	}
	log.Infow("Publish job progress",
		logger.FieldProcessed, rc.Job.Processed(),
		logger.FieldTotal, rc.Job.Total())
}
