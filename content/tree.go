package content

import (
	"context"

	"github.com/teranos/publish/publish"
)

// Tree builds publish candidates backed by the store. Children are the
// union of the source and target children, so items removed from the
// source are still visited and deleted from the target.
type Tree struct {
	store *Store
	opts  *publish.Options
}

// NewTree creates a tree over the source and target of opts
func NewTree(store *Store, opts *publish.Options) *Tree {
	return &Tree{store: store, opts: opts}
}

// Candidate returns a candidate for id whose children load on demand
func (t *Tree) Candidate(id string) *publish.Candidate {
	return publish.NewCandidate(id, t.opts, func(ctx context.Context) ([]*publish.Candidate, error) {
		ids, err := t.store.ChildIDs(ctx, []string{t.opts.Source, t.opts.Target}, id)
		if err != nil {
			return nil, err
		}
		children := make([]*publish.Candidate, 0, len(ids))
		for _, child := range ids {
			children = append(children, t.Candidate(child))
		}
		return children, nil
	})
}

// Leaves returns candidates without children, one per id
func (t *Tree) Leaves(ids []string) []*publish.Candidate {
	out := make([]*publish.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, publish.NewCandidate(id, t.opts, nil))
	}
	return out
}
