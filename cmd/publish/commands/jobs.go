package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
	"github.com/teranos/publish/pulse/jobs"
)

// JobsCmd groups the publishing job commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List, inspect and cancel publishing jobs",
	Long: `List, inspect and cancel publishing jobs.

Jobs are shared through the database, so a job started by 'publish run' in one
terminal can be listed and cancelled from another. Cancelling a running job
stops it after the items in flight; a queued job is finished right away.

Examples:
  publish jobs ls                      # Recent jobs
  publish jobs ls --state running      # Running jobs only
  publish jobs show 3f2a9c1e-...       # Details and messages of one job
  publish jobs cancel 3f2a9c1e-...     # Stop one job
  publish jobs cancel --all --yes      # Stop every unfinished job`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List publishing jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <handle>",
	Short: "Show one publishing job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [handle]",
	Short: "Force publishing jobs to finish",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsCancel,
}

var jobsFlags struct {
	state  string
	limit  int
	json   bool
	all    bool
	yes    bool
	user   string
	dbPath string
}

func init() {
	jobsLsCmd.Flags().StringVar(&jobsFlags.state, "state", "", "Filter by state: queued, running, finished")
	jobsLsCmd.Flags().IntVar(&jobsFlags.limit, "limit", 20, "Maximum number of jobs to list")
	jobsLsCmd.Flags().BoolVar(&jobsFlags.json, "json", false, "Output as JSON")
	jobsShowCmd.Flags().BoolVar(&jobsFlags.json, "json", false, "Output as JSON")
	jobsCancelCmd.Flags().BoolVar(&jobsFlags.all, "all", false, "Cancel every queued and running job")
	jobsCancelCmd.Flags().BoolVarP(&jobsFlags.yes, "yes", "y", false, "Do not ask for confirmation")
	jobsCancelCmd.Flags().StringVar(&jobsFlags.user, "user", "", "User recorded as cancelling (default: current OS user)")
	JobsCmd.PersistentFlags().StringVar(&jobsFlags.dbPath, "db", "", "Database path (default: database.path)")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}

// openRegistry returns a registry that is never started: it reads and
// cancels jobs through the store, and live jobs in other processes pick the
// cancel up from there.
func openRegistry() (*jobs.Registry, func(), error) {
	database, err := openDatabase(jobsFlags.dbPath)
	if err != nil {
		return nil, nil, err
	}
	registry := jobs.NewRegistry(jobs.NewStore(database), nil, jobs.Config{}, logger.ComponentLogger("jobs"))
	return registry, func() { database.Close() }, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	filter := jobs.ListFilter{Limit: jobsFlags.limit}
	if jobsFlags.state != "" {
		if !jobs.IsValidState(jobsFlags.state) {
			return errors.NewInvalidRequestError("unknown state %q (want queued, running or finished)", jobsFlags.state)
		}
		state := jobs.State(jobsFlags.state)
		filter.State = &state
	}

	registry, closeDB, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := registry.List(filter)
	if err != nil {
		return err
	}

	if jobsFlags.json {
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode jobs")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if len(list) == 0 {
		pterm.Info.Println("No publishing jobs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(jobRows(list, time.Now())).Render()
}

// jobRows formats jobs as table rows with a header row first
func jobRows(list []jobs.Status, now time.Time) [][]string {
	rows := [][]string{{"HANDLE", "NAME", "OWNER", "STATE", "PROGRESS", "AGE"}}
	for _, st := range list {
		state := string(st.State)
		if st.Outcome != jobs.OutcomeNone {
			state += "/" + string(st.Outcome)
		} else if st.StopRequested() {
			state += "/stopping"
		}
		progress := fmt.Sprintf("%d", st.Processed)
		if st.Total > 0 {
			progress = fmt.Sprintf("%d/%d", st.Processed, st.Total)
		}
		rows = append(rows, []string{
			shortHandle(st.Handle),
			st.Name,
			st.Owner,
			state,
			progress,
			age(now.Sub(st.CreatedAt)),
		})
	}
	return rows
}

func shortHandle(handle string) string {
	if len(handle) > 8 {
		return handle[:8]
	}
	return handle
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	registry, closeDB, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeDB()

	st, err := registry.Get(args[0])
	if err != nil {
		return err
	}

	if jobsFlags.json {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode job")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Handle:     %s\n", st.Handle)
	fmt.Fprintf(out, "Name:       %s\n", st.Name)
	fmt.Fprintf(out, "Owner:      %s\n", st.Owner)
	fmt.Fprintf(out, "State:      %s\n", st.State)
	if st.Outcome != jobs.OutcomeNone {
		fmt.Fprintf(out, "Outcome:    %s\n", st.Outcome)
	}
	fmt.Fprintf(out, "Progress:   %d/%d\n", st.Processed, st.Total)
	if !st.Expiry.IsZero() {
		fmt.Fprintf(out, "Expiry:     %s\n", st.Expiry.Local().Format(time.RFC3339))
	}
	if st.StopRequested() {
		fmt.Fprintf(out, "Stopped by: %s\n", st.StopRequestedBy)
	}
	if st.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", pterm.Red(st.Error))
	}
	printSummary(out, st)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	if jobsFlags.all == (len(args) == 1) {
		return errors.NewInvalidRequestError("give either a job handle or --all")
	}
	by := currentUser(jobsFlags.user)

	registry, closeDB, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeDB()

	if jobsFlags.all {
		if !confirm("Force every publishing job to finish?") {
			return nil
		}
		n, err := registry.CancelAll(by)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("%d publishing related jobs were cancelled", n)
		return nil
	}

	handle, err := resolveHandle(registry, args[0])
	if err != nil {
		return err
	}
	st, err := registry.Get(handle)
	if err != nil {
		return err
	}
	if st.IsDone() {
		pterm.Info.Printfln("Job %s already finished (%s)", shortHandle(handle), st.Outcome)
		return nil
	}
	if !confirm(fmt.Sprintf("Force %q to finish?", st.Name)) {
		return nil
	}
	if err := registry.Cancel(handle, by); err != nil {
		return err
	}
	pterm.Success.Printfln("Job %s was forced to finish by %s", shortHandle(handle), by)
	return nil
}

// resolveHandle expands the short handle shown by 'jobs ls'
func resolveHandle(registry *jobs.Registry, prefix string) (string, error) {
	if len(prefix) >= 36 {
		return prefix, nil
	}
	list, err := registry.List(jobs.ListFilter{})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, st := range list {
		if strings.HasPrefix(st.Handle, prefix) {
			matches = append(matches, st.Handle)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.NewNotFoundError("no job matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", errors.NewInvalidRequestError("%q matches %d jobs, give more of the handle", prefix, len(matches))
	}
}

func confirm(question string) bool {
	if jobsFlags.yes {
		return true
	}
	ok, err := pterm.DefaultInteractiveConfirm.Show(question)
	return err == nil && ok
}
