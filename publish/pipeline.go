package publish

import (
	"context"

	"github.com/teranos/publish/errors"
)

// Processor is one step of a run
type Processor interface {
	Process(ctx context.Context, rc *RunContext) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, rc *RunContext) error

func (f ProcessorFunc) Process(ctx context.Context, rc *RunContext) error {
	return f(ctx, rc)
}

// Pipeline runs processors in order, stopping at the first error
type Pipeline []Processor

func (p Pipeline) Run(ctx context.Context, rc *RunContext) error {
	if rc == nil {
		return errors.Precondition("run context")
	}
	for _, proc := range p {
		if err := proc.Process(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

// ItemContext carries one candidate through the item pipeline
type ItemContext struct {
	Run       *RunContext
	Candidate *Candidate
	Scope     Scope
	Result    ItemResult

	aborted bool
}

// Abort skips the remaining item processors
func (ic *ItemContext) Abort() {
	ic.aborted = true
}

// Aborted reports whether a processor aborted the item
func (ic *ItemContext) Aborted() bool {
	return ic.aborted
}

// ItemProcessor is one step applied to each candidate
type ItemProcessor interface {
	ProcessItem(ctx context.Context, ic *ItemContext) error
}

// ItemProcessorFunc adapts a function to ItemProcessor
type ItemProcessorFunc func(ctx context.Context, ic *ItemContext) error

func (f ItemProcessorFunc) ProcessItem(ctx context.Context, ic *ItemContext) error {
	return f(ctx, ic)
}

// ItemPipeline decides what happens to a single candidate
type ItemPipeline []ItemProcessor

// Run processes one candidate and returns its result
func (p ItemPipeline) Run(ctx context.Context, rc *RunContext, scope Scope, c *Candidate) (ItemResult, error) {
	ic := &ItemContext{Run: rc, Candidate: c, Scope: scope}
	for _, proc := range p {
		if err := proc.ProcessItem(ctx, ic); err != nil {
			return ic.Result, errors.Wrapf(err, "processing item %s", c.ItemID)
		}
		if ic.aborted {
			break
		}
	}
	return ic.Result, nil
}
