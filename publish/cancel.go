package publish

import (
	"context"

	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
)

// StopSettings supplies the hard stop switch. am.Settings satisfies it.
type StopSettings interface {
	HardStop() bool
}

// ProcessPublishCancel runs after the queue. A canceled run fails with
// errors.ErrPublishStopped when hard stop is on and ends quietly otherwise.
type ProcessPublishCancel struct {
	Settings StopSettings
}

func (p *ProcessPublishCancel) Process(ctx context.Context, rc *RunContext) error {
	if rc == nil {
		return errors.Precondition("run context")
	}
	if !rc.Canceled() {
		return nil
	}
	if p.Settings != nil && p.Settings.HardStop() {
		rc.log().Warnw("Publish cancel: hard stop is enabled, aborting the publishing pipeline",
			logger.FieldUser, rc.Scope.User)
		return errors.WithDetailf(errors.ErrPublishStopped, "stopped after %d items", rc.Statistics().Total())
	}
	return nil
}
