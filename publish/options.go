// Package publish walks a tree of publish candidates under a bounded thread
// budget, fanning branches out to background workers while the budget allows
// and recursing inline when it does not.
//
// A run is driven by a Pipeline of Processors sharing one RunContext. The
// standard pipeline is:
//
//	publish.Pipeline{
//	    &publish.ProcessQueue{},
//	    &publish.ProcessPublishCancel{Settings: settings},
//	}
//
// Each candidate goes through the run's ItemPipeline, which decides what
// happened to the item (created, updated, deleted, skipped) and whether its
// children should be considered.
package publish

import (
	"strings"
	"sync/atomic"

	"github.com/teranos/publish/errors"
)

// Mode selects how candidates are chosen and compared
type Mode int

const (
	// ModeSingleItem publishes one item, its children only when Deep is set
	ModeSingleItem Mode = iota
	// ModeSmart publishes items whose revision differs from the target
	ModeSmart
	// ModeIncremental publishes items changed since the last successful run
	ModeIncremental
	// ModeFull republishes every item regardless of revision
	ModeFull
)

var modeNames = map[Mode]string{
	ModeSingleItem:  "single",
	ModeSmart:       "smart",
	ModeIncremental: "incremental",
	ModeFull:        "full",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode parses the names used in configuration and on the command line
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single", "singleitem", "single-item":
		return ModeSingleItem, nil
	case "", "smart":
		return ModeSmart, nil
	case "incremental":
		return ModeIncremental, nil
	case "full", "republish":
		return ModeFull, nil
	default:
		return 0, errors.NewInvalidRequestError("unknown publish mode %q", s)
	}
}

// Options are the publish options of a run. Candidates normally share the
// run's Options by pointer, so clearing Deep on cancellation stops descent
// everywhere at once.
type Options struct {
	Mode   Mode
	Source string
	Target string

	deep atomic.Bool
}

// NewOptions creates options for a run
func NewOptions(mode Mode, source, target string, deep bool) *Options {
	o := &Options{Mode: mode, Source: source, Target: target}
	o.deep.Store(deep)
	return o
}

// Deep reports whether children are recursed into
func (o *Options) Deep() bool {
	return o.deep.Load()
}

// SetDeep changes whether children are recursed into
func (o *Options) SetDeep(deep bool) {
	o.deep.Store(deep)
}

// Clone returns independent options with the given Deep flag. Referred items
// use a clone so their own descent never leaks into the run's options.
func (o *Options) Clone(deep bool) *Options {
	return NewOptions(o.Mode, o.Source, o.Target, deep)
}
