// Package publisher runs publishing jobs: it turns a Request into a queue of
// candidates over the content store and drives the publish pipeline.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/content"
	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
	"github.com/teranos/publish/publish"
	"github.com/teranos/publish/pulse/jobs"
)

// Request describes one publish run. It is stored as the job's request.
type Request struct {
	Root    string `json:"root,omitempty"`
	Mode    string `json:"mode"`
	Deep    bool   `json:"deep"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	Site    string `json:"site,omitempty"`
	Threads int    `json:"threads,omitempty"`
}

// Validate checks the request and returns its parsed mode
func (r Request) Validate() (publish.Mode, error) {
	mode, err := publish.ParseMode(r.Mode)
	if err != nil {
		return 0, err
	}
	if r.Source == "" || r.Target == "" {
		return 0, errors.NewInvalidRequestError("source and target databases are required")
	}
	if r.Source == r.Target {
		return 0, errors.NewInvalidRequestError("cannot publish %s onto itself", r.Source)
	}
	if mode != publish.ModeIncremental && r.Root == "" {
		return 0, errors.NewInvalidRequestError("%s publish needs a root item", mode)
	}
	if r.Threads < 0 {
		return 0, errors.NewInvalidRequestError("threads must not be negative")
	}
	return mode, nil
}

// Name is the job name shown in listings
func (r Request) Name() string {
	root := r.Root
	if root == "" {
		root = "changed items"
	}
	return fmt.Sprintf("Publish %s (%s, %s -> %s)", root, r.Mode, r.Source, r.Target)
}

// NewJob creates a queued job carrying the request
func NewJob(req Request, user string) (*jobs.Job, error) {
	if _, err := req.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode publish request")
	}
	return jobs.NewJob(req.Name(), user, raw), nil
}

// Report summarizes a run
type Report struct {
	Mode     publish.Mode
	Counts   publish.Counts
	Canceled bool
	Duration time.Duration
}

// Publisher runs publish requests against a content store
type Publisher struct {
	store    *content.Store
	settings *am.Settings
	log      *zap.SugaredLogger
}

// New creates a publisher. settings are read at the start of every run.
func New(store *content.Store, settings *am.Settings, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = logger.ComponentLogger("publisher")
	}
	return &Publisher{store: store, settings: settings, log: log}
}

// Run implements jobs.Runner
func (p *Publisher) Run(ctx context.Context, job *jobs.Job) error {
	var req Request
	if err := json.Unmarshal(job.Request(), &req); err != nil {
		err = errors.Wrap(err, "failed to decode publish request")
		return errors.WithDetail(err, fmt.Sprintf("Job handle: %s", job.Handle()))
	}

	report, err := p.Publish(ctx, req, job, job.Owner())
	if err != nil {
		return err
	}
	if report.Canceled {
		job.SetOutcome(jobs.OutcomePartial)
	} else {
		job.SetOutcome(jobs.OutcomeCompleted)
	}
	return nil
}

// Publish runs one request to completion or cancellation
func (p *Publisher) Publish(ctx context.Context, req Request, job publish.Job, user string) (Report, error) {
	mode, err := req.Validate()
	if err != nil {
		return Report{}, err
	}
	if job == nil {
		return Report{}, errors.Precondition("job")
	}

	started := time.Now()
	log := logger.ChildLogger(p.log.With(logger.FieldsFromContext(ctx)...),
		logger.FieldMode, mode.String(),
		logger.FieldSource, req.Source,
		logger.FieldTarget, req.Target,
		logger.FieldUser, user)

	opts := publish.NewOptions(mode, req.Source, req.Target, req.Deep)
	rc := publish.NewRunContext(job, opts, publish.Scope{Site: req.Site, User: user})
	rc.Logger = log

	if err := p.queue(ctx, rc, req, mode); err != nil {
		return Report{}, err
	}

	settings := p.settings
	if settings == nil {
		settings = am.NewSettings(nil)
	}
	rc.MaxConcurrentThreads = req.Threads
	if rc.MaxConcurrentThreads == 0 {
		rc.MaxConcurrentThreads = settings.MaxConcurrentThreads()
	}
	rc.TraceToLog = settings.TraceToLog()
	rc.Items = publish.ItemPipeline{
		content.NewComparer(p.store, settings.MaxItemsPerSecond()),
		publish.UpdateStatistics{},
	}

	pipeline := publish.Pipeline{
		publish.ProcessQueue{},
		&publish.ProcessPublishCancel{Settings: settings},
	}
	err = pipeline.Run(ctx, rc)

	report := Report{
		Mode:     mode,
		Counts:   rc.Statistics(),
		Canceled: rc.Canceled(),
		Duration: time.Since(started),
	}
	if err != nil {
		return report, err
	}

	if report.Canceled {
		log.Warnw("Publish stopped before the whole tree was processed",
			logger.FieldCount, report.Counts.Total())
		return report, nil
	}

	advance, err := p.coversSource(ctx, req, mode)
	if err != nil {
		return report, err
	}
	if advance {
		if err := p.store.SetWatermark(ctx, req.Source, req.Target, started); err != nil {
			return report, err
		}
	} else {
		log.Debugw("Watermark left in place, run did not cover the whole source", "root", req.Root)
	}
	log.Infow("Publish completed",
		logger.FieldCount, report.Counts.Total(),
		logger.FieldDurationMS, report.Duration.Milliseconds())
	return report, nil
}

// queue fills the run's queue and the job's expected total
func (p *Publisher) queue(ctx context.Context, rc *publish.RunContext, req Request, mode publish.Mode) error {
	tree := content.NewTree(p.store, rc.Options)

	if mode == publish.ModeIncremental {
		since, err := p.store.Watermark(ctx, req.Source, req.Target)
		if err != nil {
			return err
		}
		changed, err := p.store.ChangedSince(ctx, req.Source, since)
		if err != nil {
			return err
		}
		rc.Queue = nil
		for _, level := range levels(changed) {
			rc.Queue = append(rc.Queue, tree.Leaves(level))
		}
		rc.Job.SetTotal(int64(len(changed)))
		return nil
	}

	rc.Queue = [][]*publish.Candidate{{tree.Candidate(req.Root)}}
	total := int64(1)
	// created items cascade to their children even when the run is shallow
	if req.Deep || mode != publish.ModeSingleItem {
		count, err := p.store.CountSubtree(ctx, req.Source, req.Root)
		if err != nil {
			return err
		}
		if count > total {
			total = count
		}
	}
	rc.Job.SetTotal(total)
	return nil
}

// coversSource reports whether a completed run brought the target up to date
// with every change in the source, so the incremental watermark may advance.
// A tree run qualifies only when it went deep from the source's sole root;
// a subtree run leaves changes elsewhere unpublished.
func (p *Publisher) coversSource(ctx context.Context, req Request, mode publish.Mode) (bool, error) {
	switch mode {
	case publish.ModeIncremental:
		return true, nil
	case publish.ModeSmart, publish.ModeFull:
		if !req.Deep {
			return false, nil
		}
		roots, err := p.store.RootIDs(ctx, req.Source)
		if err != nil {
			return false, err
		}
		return len(roots) == 1 && roots[0] == req.Root, nil
	default:
		return false, nil
	}
}

// levels groups changed items so that an item comes one level after its
// parent when both changed. Levels are walked in order, so parents reach
// the target before their children.
func levels(changed []content.Item) [][]string {
	depth := make(map[string]int, len(changed))
	parents := make(map[string]string, len(changed))
	for _, item := range changed {
		parents[item.ID] = item.ParentID
	}

	var depthOf func(id string, hops int) int
	depthOf = func(id string, hops int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		parent := parents[id]
		if _, changed := parents[parent]; changed && hops < len(parents) {
			d = depthOf(parent, hops+1) + 1
		}
		depth[id] = d
		return d
	}

	var out [][]string
	for _, item := range changed {
		d := depthOf(item.ID, 0)
		for len(out) <= d {
			out = append(out, nil)
		}
		out[d] = append(out[d], item.ID)
	}
	return out
}
