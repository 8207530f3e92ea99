package content

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
	"github.com/teranos/publish/publish"
)

// Explanations attached to item results
const (
	ExplainMissing        = "The item exists in neither source nor target."
	ExplainSourceRemoved  = "The item was removed from the source database."
	ExplainNotPublishable = "The source item is not publishable."
	ExplainParentMissing  = "The parent item is not published to the target."
	ExplainCreated        = "The item did not exist in the target database."
	ExplainRepublish      = "Republish mode replaces every item."
	ExplainChanged        = "The source item differs from the target."
	ExplainUpToDate       = "The target item is up to date."
)

// Comparer is the item processor that decides whether an item is created,
// updated, deleted or skipped in the target, and writes the change. Writes
// are throttled to a configured number of items per second.
type Comparer struct {
	store   *Store
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewComparer creates a comparer. itemsPerSecond of zero or less disables
// throttling.
func NewComparer(store *Store, itemsPerSecond float64) *Comparer {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if itemsPerSecond > 0 {
		burst := int(itemsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(itemsPerSecond), burst)
	}
	return &Comparer{
		store:   store,
		limiter: limiter,
		log:     logger.ComponentLogger("content"),
	}
}

func (c *Comparer) ProcessItem(ctx context.Context, ic *publish.ItemContext) error {
	if ic == nil || ic.Run == nil || ic.Candidate == nil {
		return errors.Precondition("item context")
	}
	opts := ic.Candidate.Options
	if opts == nil {
		opts = ic.Run.Options
	}
	if opts == nil {
		return errors.Precondition("publish options")
	}

	id := ic.Candidate.ItemID
	source, err := c.lookup(ctx, opts.Source, id)
	if err != nil {
		return err
	}
	target, err := c.lookup(ctx, opts.Target, id)
	if err != nil {
		return err
	}

	switch {
	case source == nil && target == nil:
		ic.Result = publish.ItemResult{
			Operation:   publish.OperationNone,
			ChildAction: publish.ChildActionSkip,
			Explanation: ExplainMissing,
		}

	case source == nil:
		if err := c.delete(ctx, opts.Target, id); err != nil {
			return err
		}
		ic.Result = publish.ItemResult{
			Operation:   publish.OperationDeleted,
			ChildAction: publish.ChildActionSkip,
			Explanation: ExplainSourceRemoved,
		}

	case !source.Publishable:
		op := publish.OperationSkipped
		if target != nil {
			if err := c.delete(ctx, opts.Target, id); err != nil {
				return err
			}
			op = publish.OperationDeleted
		}
		ic.Result = publish.ItemResult{
			Operation:   op,
			ChildAction: publish.ChildActionSkip,
			Explanation: ExplainNotPublishable,
		}

	default:
		return c.publish(ctx, ic, opts, source, target)
	}
	return nil
}

func (c *Comparer) publish(ctx context.Context, ic *publish.ItemContext, opts *publish.Options, source, target *Item) error {
	if source.ParentID != "" {
		parent, err := c.lookup(ctx, opts.Target, source.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			ic.Result = publish.ItemResult{
				Operation:   publish.OperationSkipped,
				ChildAction: publish.ChildActionSkip,
				Explanation: ExplainParentMissing,
			}
			return nil
		}
	}

	var op publish.Operation
	var explanation string
	switch {
	case target == nil:
		op, explanation = publish.OperationCreated, ExplainCreated
	case opts.Mode == publish.ModeFull:
		op, explanation = publish.OperationUpdated, ExplainRepublish
	case differs(source, target):
		op, explanation = publish.OperationUpdated, ExplainChanged
	default:
		ic.Result = publish.ItemResult{
			Operation:   publish.OperationSkipped,
			ChildAction: publish.ChildActionAllow,
			Explanation: ExplainUpToDate,
		}
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "publish throttle")
	}
	copied := *source
	copied.UpdatedAt = time.Now()
	if err := c.store.PutItem(ctx, opts.Target, copied); err != nil {
		return err
	}

	referred, err := c.referredItems(ctx, opts, source)
	if err != nil {
		return err
	}
	ic.Result = publish.ItemResult{
		Operation:     op,
		ChildAction:   publish.ChildActionAllow,
		ReferredItems: referred,
		Explanation:   explanation,
	}
	return nil
}

// referredItems returns the publishable items source links to whose target
// copy is missing or stale. They are published without their children.
func (c *Comparer) referredItems(ctx context.Context, opts *publish.Options, source *Item) ([]*publish.Candidate, error) {
	var referred []*publish.Candidate
	for _, ref := range source.Links {
		if ref == source.ID {
			continue
		}
		refSource, err := c.lookup(ctx, opts.Source, ref)
		if err != nil {
			return nil, err
		}
		if refSource == nil || !refSource.Publishable {
			continue
		}
		refTarget, err := c.lookup(ctx, opts.Target, ref)
		if err != nil {
			return nil, err
		}
		if refTarget != nil && !differs(refSource, refTarget) {
			continue
		}
		c.log.Debugw("Publishing referred item",
			logger.FieldItemID, source.ID,
			"ref_id", ref)
		referred = append(referred, publish.NewCandidate(ref, opts.Clone(false), nil))
	}
	return referred, nil
}

func (c *Comparer) delete(ctx context.Context, database, id string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "publish throttle")
	}
	removed, err := c.store.DeleteSubtree(ctx, database, id)
	if err != nil {
		return err
	}
	c.log.Debugw("Removed item from target",
		logger.FieldItemID, id,
		logger.FieldTarget, database,
		logger.FieldCount, removed)
	return nil
}

// lookup returns nil without error when the item does not exist
func (c *Comparer) lookup(ctx context.Context, database, id string) (*Item, error) {
	item, err := c.store.GetItem(ctx, database, id)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	return item, err
}

func differs(source, target *Item) bool {
	if source.Revision != target.Revision ||
		source.Name != target.Name ||
		source.ParentID != target.ParentID ||
		source.SortOrder != target.SortOrder {
		return true
	}
	if len(source.Links) != len(target.Links) {
		return true
	}
	for i := range source.Links {
		if source.Links[i] != target.Links[i] {
			return true
		}
	}
	return false
}
