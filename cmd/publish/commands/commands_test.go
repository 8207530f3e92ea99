package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/pulse/jobs"
)

func TestJobRows(t *testing.T) {
	now := time.Now()
	list := []jobs.Status{
		{
			Handle:    "3f2a9c1e-0000-4000-8000-000000000001",
			Name:      "Publish home (smart, master -> web)",
			Owner:     "editor",
			State:     jobs.StateRunning,
			Processed: 12,
			Total:     40,
			CreatedAt: now.Add(-90 * time.Second),
		},
		{
			Handle:          "b7",
			Name:            "Publish changed items (incremental, master -> web)",
			Owner:           "admin",
			State:           jobs.StateRunning,
			Processed:       3,
			StopRequestedBy: "editor",
			CreatedAt:       now.Add(-3 * time.Hour),
		},
		{
			Handle:    "c9",
			Name:      "Publish news (full, master -> web)",
			Owner:     "admin",
			State:     jobs.StateFinished,
			Outcome:   jobs.OutcomePartial,
			CreatedAt: now.Add(-72 * time.Hour),
		},
	}

	rows := jobRows(list, now)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"HANDLE", "NAME", "OWNER", "STATE", "PROGRESS", "AGE"}, rows[0])
	assert.Equal(t, []string{"3f2a9c1e", "Publish home (smart, master -> web)", "editor", "running", "12/40", "1m"}, rows[1])
	assert.Equal(t, "running/stopping", rows[2][3])
	assert.Equal(t, "3", rows[2][4])
	assert.Equal(t, "3h", rows[2][5])
	assert.Equal(t, "finished/partial", rows[3][3])
	assert.Equal(t, "3d", rows[3][5])
}

func TestProgressText(t *testing.T) {
	st := jobs.Status{Name: "Publish home", State: jobs.StateRunning, Processed: 5}
	assert.Equal(t, "Publish home: 5/? items (running)", progressText(st))

	st.Total = 9
	st.State = jobs.StateFinished
	st.Outcome = jobs.OutcomeCompleted
	assert.Equal(t, "Publish home: 5/9 items (completed)", progressText(st))
}

func TestWriteConfig(t *testing.T) {
	cfg := &am.Config{Publish: am.PublishConfig{Mode: "smart", HardStop: true}}

	for _, format := range []string{"toml", "json", "yaml"} {
		var buf bytes.Buffer
		require.NoError(t, writeConfig(&buf, cfg, format), format)
		assert.Contains(t, strings.ToLower(buf.String()), "hardstop", format)
	}

	assert.Error(t, writeConfig(&bytes.Buffer{}, cfg, "ini"))
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, "web", orDefault("", "web"))
	assert.Equal(t, "preview", orDefault("preview", "web"))
	assert.Equal(t, "editor", currentUser("editor"))
	assert.NotEmpty(t, currentUser(""))
}

func TestRunSettings(t *testing.T) {
	cfg := &am.Config{Jobs: am.JobsConfig{Workers: 3}}

	assert.False(t, runSettings(cfg, 2).TraceToLog())
	assert.True(t, runSettings(cfg, 3).TraceToLog(), "-vvv traces every item")

	cfg.Publish.TraceToLog = true
	assert.True(t, runSettings(cfg, 0).TraceToLog())
	assert.Equal(t, 3, cfg.GetJobsWorkers())
}

func TestProgressDisplayWithoutTerminal(t *testing.T) {
	var out bytes.Buffer
	display := newProgressDisplay(&out, "Publish home")
	require.IsType(t, lineDisplay{}, display)

	display.UpdateText("Publish home: 1/3 items (running)")
	display.Success("Publish home: 3/3 items (completed)")

	assert.Contains(t, out.String(), "Publish home")
	assert.Contains(t, out.String(), "3/3 items (completed)")
	assert.NotContains(t, out.String(), "1/3 items")
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, cmd.ExecuteContext(ctx), out.String())
	return out.String()
}

func TestPublishCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	am.Reset()
	t.Cleanup(am.Reset)

	dbPath := filepath.Join(dir, "publish.db")
	site := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(site, []byte(`
database: master
items:
  - id: home
    children:
      - id: about
      - id: news
`), 0644))

	execute(t, ContentCmd, "import", site, "--db", dbPath)

	out := execute(t, RunCmd, "--root", "home", "--user", "tester", "--threads", "2", "--db", dbPath)
	assert.Contains(t, out, "Items created: 3")

	out = execute(t, JobsCmd, "ls", "--json", "--db", dbPath)
	var list []jobs.Status
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "tester", list[0].Owner)
	assert.Equal(t, jobs.OutcomeCompleted, list[0].Outcome)
	assert.Equal(t, int64(3), list[0].Processed)

	// A finished job is reported, not cancelled again
	execute(t, JobsCmd, "cancel", shortHandle(list[0].Handle), "--yes", "--user", "tester", "--db", dbPath)

	out = execute(t, RunCmd, "--root", "home", "--user", "tester", "--db", dbPath)
	assert.Contains(t, out, "Items skipped: 3")
}
