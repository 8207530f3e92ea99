package publish

import (
	"context"

	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
)

// UpdateStatistics is the last item processor of a run. It counts the
// item's operation and bumps the job's processed counter.
type UpdateStatistics struct{}

func (UpdateStatistics) ProcessItem(ctx context.Context, ic *ItemContext) error {
	if ic == nil || ic.Run == nil {
		return errors.Precondition("run context")
	}
	rc := ic.Run
	if rc.Job == nil {
		return errors.Precondition("job")
	}

	result := ic.Result
	rc.RecordOperation(result.Operation)
	if result.Operation != OperationNone {
		rc.Job.IncrementProcessed()
	}

	if rc.TraceToLog {
		rc.log().Infow("Publish item",
			logger.FieldItemID, ic.Candidate.ItemID,
			logger.FieldOperation, result.Operation.String(),
			logger.FieldChildAction, result.ChildAction.String(),
			logger.FieldExplanation, result.Explanation)
	}
	return nil
}
