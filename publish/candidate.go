package publish

import (
	"context"
)

// Operation is what the item pipeline did with a candidate
type Operation int

const (
	OperationNone Operation = iota
	OperationCreated
	OperationUpdated
	OperationDeleted
	OperationSkipped
)

func (o Operation) String() string {
	switch o {
	case OperationCreated:
		return "Created"
	case OperationUpdated:
		return "Updated"
	case OperationDeleted:
		return "Deleted"
	case OperationSkipped:
		return "Skipped"
	default:
		return "None"
	}
}

// ChildAction is the item pipeline's verdict on a candidate's children
type ChildAction int

const (
	ChildActionAllow ChildAction = iota
	ChildActionSkip
	ChildActionDeny
)

func (a ChildAction) String() string {
	switch a {
	case ChildActionAllow:
		return "Allow"
	case ChildActionSkip:
		return "Skip"
	case ChildActionDeny:
		return "Deny"
	default:
		return "Unknown"
	}
}

// ItemResult is the outcome of processing one candidate
type ItemResult struct {
	Operation     Operation
	ChildAction   ChildAction
	ReferredItems []*Candidate
	Explanation   string
}

// ChildLoader produces a candidate's children on demand
type ChildLoader func(ctx context.Context) ([]*Candidate, error)

// Candidate is one item queued for publishing
type Candidate struct {
	ItemID  string
	Options *Options

	children ChildLoader
}

// NewCandidate creates a candidate. children may be nil for a leaf.
func NewCandidate(itemID string, opts *Options, children ChildLoader) *Candidate {
	return &Candidate{ItemID: itemID, Options: opts, children: children}
}

// Children loads the candidate's children
func (c *Candidate) Children(ctx context.Context) ([]*Candidate, error) {
	if c.children == nil {
		return nil, nil
	}
	return c.children(ctx)
}

// Scope is the site and user a unit of work publishes as. It is handed to
// every fanned-out branch explicitly.
type Scope struct {
	Site string
	User string
}
