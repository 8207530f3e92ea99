package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/content"
	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
	"github.com/teranos/publish/publisher"
	"github.com/teranos/publish/pulse/jobs"
)

// RunCmd publishes a content tree in the foreground
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Publish a content tree",
	Long: `Publish items from the source database to the target database.

Modes:
  single       publish the root item only (its subitems too with --deep)
  smart        publish items whose revision differs from the target
  incremental  publish items changed since the last complete publish
  full         republish every item under the root

The run is recorded as a publishing job. Press Ctrl+C once to stop after the
items in flight, twice to abort. Another terminal can stop it with
'publish jobs cancel'.

Examples:
  publish run --root home                   # Smart publish of home and its subtree
  publish run --root home --mode full       # Republish everything under home
  publish run --mode incremental            # Publish what changed since the last run
  publish run --root news --threads 2       # Limit the run to two threads`,
	RunE: runPublish,
}

var runFlags struct {
	root    string
	mode    string
	deep    bool
	source  string
	target  string
	site    string
	user    string
	threads int
	dbPath  string
}

func init() {
	f := RunCmd.Flags()
	f.StringVar(&runFlags.root, "root", "", "Root item to publish (not used by incremental)")
	f.StringVar(&runFlags.mode, "mode", "", "Publish mode: single, smart, incremental, full (default: publish.mode)")
	f.BoolVar(&runFlags.deep, "deep", true, "Publish subitems (default: publish.deep)")
	f.StringVar(&runFlags.source, "source", "", "Source database (default: publish.source)")
	f.StringVar(&runFlags.target, "target", "", "Target database (default: publish.target)")
	f.StringVar(&runFlags.site, "site", "website", "Site the publish runs for")
	f.StringVar(&runFlags.user, "user", "", "User the publish runs as (default: current OS user)")
	f.IntVar(&runFlags.threads, "threads", 0, "Maximum concurrent threads (default: publish.max_concurrent_threads)")
	f.StringVar(&runFlags.dbPath, "db", "", "Database path (default: database.path)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	req := publisher.Request{
		Root:    runFlags.root,
		Mode:    orDefault(runFlags.mode, cfg.GetMode()),
		Deep:    runFlags.deep,
		Source:  orDefault(runFlags.source, cfg.Publish.Source),
		Target:  orDefault(runFlags.target, cfg.Publish.Target),
		Site:    runFlags.site,
		Threads: runFlags.threads,
	}
	if !cmd.Flags().Changed("deep") {
		req.Deep = cfg.Publish.Deep
	}
	runAs := currentUser(runFlags.user)

	job, err := publisher.NewJob(req, runAs)
	if err != nil {
		return err
	}

	database, err := openDatabase(runFlags.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	verbosity, _ := cmd.Flags().GetCount("verbose")
	settings := runSettings(cfg, verbosity)
	if path := am.ActiveConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			logger.Warnw("Config changes will not apply to this run", logger.FieldPath, path, logger.FieldError, err)
		} else {
			settings.Watch(watcher)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	pub := publisher.New(content.NewStore(database), settings, logger.ComponentLogger("publisher"))
	registry := jobs.NewRegistry(jobs.NewStore(database), pub, jobs.Config{
		Workers:      cfg.GetJobsWorkers(),
		JobExpiry:    time.Duration(settings.JobExpirySeconds()) * time.Second,
		HistoryLimit: cfg.Jobs.HistoryLimit,
	}, logger.ComponentLogger("jobs"))

	if err := registry.Start(cmd.Context()); err != nil {
		return err
	}
	defer registry.Stop()

	if err := registry.Submit(job); err != nil {
		return err
	}

	st, err := watchJob(cmd.Context(), cmd.OutOrStdout(), registry, job, runAs)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), st)
	if st.Error != "" {
		return errors.Newf("publish %s: %s", st.Outcome, st.Error)
	}
	return nil
}

// runSettings builds the live settings for one run. -vvv turns per-item
// tracing on regardless of publish.trace_to_log.
func runSettings(cfg *am.Config, verbosity int) *am.Settings {
	settings := am.NewSettings(cfg)
	if logger.ShouldLogTrace(verbosity) {
		settings.ForceTrace()
	}
	return settings
}

// progressDisplay reports a running job on the terminal
type progressDisplay interface {
	UpdateText(text string)
	Success(text string)
	Warning(text string)
	Fail(text string)
}

// newProgressDisplay animates a spinner on a terminal and prints plain
// status lines anywhere else
func newProgressDisplay(w io.Writer, title string) progressDisplay {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		spinner, err := pterm.DefaultSpinner.WithWriter(w).Start(title)
		if err == nil {
			return spinnerDisplay{spinner}
		}
	}
	pterm.Info.WithWriter(w).Println(title)
	return lineDisplay{w: w}
}

type spinnerDisplay struct {
	spinner *pterm.SpinnerPrinter
}

func (d spinnerDisplay) UpdateText(text string) { d.spinner.UpdateText(text) }
func (d spinnerDisplay) Success(text string)    { d.spinner.Success(text) }
func (d spinnerDisplay) Warning(text string)    { d.spinner.Warning(text) }
func (d spinnerDisplay) Fail(text string)       { d.spinner.Fail(text) }

// lineDisplay only prints outcomes; progress ticks would flood a log file
type lineDisplay struct {
	w io.Writer
}

func (d lineDisplay) UpdateText(string)   {}
func (d lineDisplay) Success(text string) { pterm.Success.WithWriter(d.w).Println(text) }
func (d lineDisplay) Warning(text string) { pterm.Warning.WithWriter(d.w).Println(text) }
func (d lineDisplay) Fail(text string)    { pterm.Error.WithWriter(d.w).Println(text) }

// watchJob shows progress until the job finishes. The first interrupt asks
// the job to stop; a second one returns so the registry is torn down.
func watchJob(ctx context.Context, w io.Writer, registry *jobs.Registry, job *jobs.Job, runAs string) (jobs.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	display := newProgressDisplay(w, job.Snapshot().Name)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	interrupted := false
	for {
		select {
		case <-job.Done():
			st := job.Snapshot()
			switch st.Outcome {
			case jobs.OutcomeCompleted:
				display.Success(progressText(st))
			case jobs.OutcomePartial:
				display.Warning(progressText(st))
			default:
				display.Fail(progressText(st))
			}
			return st, nil

		case <-sigs:
			if interrupted {
				display.Fail("Publish aborted")
				return job.Snapshot(), errors.New("publish aborted")
			}
			interrupted = true
			if err := registry.Cancel(job.Handle(), runAs); err != nil {
				logger.Warnw("Failed to stop publishing job", logger.FieldJobID, job.Handle(), logger.FieldError, err)
			}
			display.UpdateText("Stopping after the items in flight (Ctrl+C again to abort)")

		case <-ticker.C:
			if !interrupted {
				display.UpdateText(progressText(job.Snapshot()))
			}

		case <-ctx.Done():
			display.Fail("Publish aborted")
			return job.Snapshot(), ctx.Err()
		}
	}
}

// progressText renders "name: processed/total (state)"
func progressText(st jobs.Status) string {
	total := "?"
	if st.Total > 0 {
		total = fmt.Sprintf("%d", st.Total)
	}
	state := string(st.State)
	if st.Outcome != jobs.OutcomeNone {
		state = string(st.Outcome)
	}
	return fmt.Sprintf("%s: %d/%s items (%s)", st.Name, st.Processed, total, state)
}

// printSummary writes the job's message log
func printSummary(w io.Writer, st jobs.Status) {
	if len(st.Messages) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, msg := range st.Messages {
		fmt.Fprintf(w, "  %s\n", msg)
	}
	if st.StopRequestedBy != "" {
		fmt.Fprintf(w, "  %s\n", pterm.Yellow(fmt.Sprintf("Stopped by %s", st.StopRequestedBy)))
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

// currentUser returns the explicit user or the OS login name
func currentUser(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
