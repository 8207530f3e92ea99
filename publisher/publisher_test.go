package publisher

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/content"
	"github.com/teranos/publish/errors"
	pubtest "github.com/teranos/publish/internal/testing"
	"github.com/teranos/publish/publish"
	"github.com/teranos/publish/pulse/jobs"
)

const site = `
database: master
items:
  - id: home
    name: Home
    links: [logo]
    children:
      - id: about
      - id: news
        children:
          - id: n1
          - id: n2
            publishable: false
  - id: logo
`

func setup(t *testing.T, cfg *am.Config) (*Publisher, *content.Store) {
	t.Helper()
	p, store, _ := setupDB(t, cfg)
	return p, store
}

func setupDB(t *testing.T, cfg *am.Config) (*Publisher, *content.Store, *sql.DB) {
	t.Helper()
	db := pubtest.CreateTestDB(t)
	store := content.NewStore(db)
	doc, err := content.DecodeDocument(strings.NewReader(site), content.FormatYAML)
	require.NoError(t, err)
	_, err = store.Import(context.Background(), doc, "")
	require.NoError(t, err)

	if cfg == nil {
		cfg = &am.Config{}
	}
	if cfg.Publish.MaxConcurrentThreads == 0 {
		cfg.Publish.MaxConcurrentThreads = 2
	}
	return New(store, am.NewSettings(cfg), zaptest.NewLogger(t).Sugar()), store, db
}

func smart(root string) Request {
	return Request{Root: root, Mode: "smart", Deep: true, Source: "master", Target: "web", Site: "website"}
}

func TestPublishSmartDeep(t *testing.T) {
	ctx := context.Background()
	p, store := setup(t, nil)
	job := jobs.NewJob("publish", "admin", nil)

	report, err := p.Publish(ctx, smart("home"), job, "admin")
	require.NoError(t, err)
	assert.False(t, report.Canceled)
	assert.Equal(t, publish.ModeSmart, report.Mode)
	assert.Equal(t, publish.Counts{Created: 5, Skipped: 1}, report.Counts)

	assert.Equal(t, int64(6), job.Processed())
	assert.Equal(t, int64(5), job.Total(), "home and its four descendants in the source")
	assert.Contains(t, job.Snapshot().Messages, "Items created: 5")

	mark, err := store.Watermark(ctx, "master", "web")
	require.NoError(t, err)
	assert.True(t, mark.IsZero(), "logo is a second root, so home's tree is not the whole source")
}

func TestPublishSubtreeKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	p, store := setup(t, nil)

	report, err := p.Publish(ctx, smart("news"), jobs.NewJob("publish", "admin", nil), "admin")
	require.NoError(t, err)
	assert.Equal(t, publish.Counts{Skipped: 1}, report.Counts, "news waits for its parent")

	mark, err := store.Watermark(ctx, "master", "web")
	require.NoError(t, err)
	assert.True(t, mark.IsZero())

	req := Request{Mode: "incremental", Source: "master", Target: "web"}
	report, err = p.Publish(ctx, req, jobs.NewJob("publish", "admin", nil), "admin")
	require.NoError(t, err)
	assert.Equal(t, publish.Counts{Created: 5, Skipped: 2}, report.Counts)

	for _, id := range []string{"home", "about", "news", "n1", "logo"} {
		_, err := store.GetItem(ctx, "web", id)
		assert.NoError(t, err, "%s should reach web", id)
	}
}

func TestPublishSoleRootAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	p, store := setup(t, nil)

	doc, err := content.DecodeDocument(strings.NewReader(`
items:
  - id: root
    children:
      - id: a
      - id: b
`), content.FormatYAML)
	require.NoError(t, err)
	_, err = store.Import(ctx, doc, "solo")
	require.NoError(t, err)

	req := Request{Root: "root", Mode: "full", Deep: true, Source: "solo", Target: "live"}
	report, err := p.Publish(ctx, req, jobs.NewJob("publish", "admin", nil), "admin")
	require.NoError(t, err)
	assert.Equal(t, publish.Counts{Created: 3}, report.Counts)

	mark, err := store.Watermark(ctx, "solo", "live")
	require.NoError(t, err)
	assert.False(t, mark.IsZero())

	req.Root = "a"
	_, err = p.Publish(ctx, req, jobs.NewJob("publish", "admin", nil), "admin")
	require.NoError(t, err)
	after, err := store.Watermark(ctx, "solo", "live")
	require.NoError(t, err)
	assert.True(t, mark.Equal(after), "a subtree run does not move the watermark")
}

func TestPublishShallowTotalCountsCascade(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t, nil)

	req := smart("home")
	req.Deep = false
	job := jobs.NewJob("publish", "admin", nil)
	report, err := p.Publish(ctx, req, job, "admin")
	require.NoError(t, err)
	assert.Equal(t, publish.Counts{Created: 5, Skipped: 1}, report.Counts, "created items cascade without Deep")
	assert.Equal(t, int64(5), job.Total(), "home and its four descendants in the source")
}

func TestPublishSingleItemKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	p, store := setup(t, nil)

	req := smart("home")
	req.Mode = "single"
	req.Deep = false
	report, err := p.Publish(ctx, req, jobs.NewJob("publish", "admin", nil), "admin")
	require.NoError(t, err)
	assert.Equal(t, publish.Counts{Created: 2}, report.Counts)

	mark, err := store.Watermark(ctx, "master", "web")
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
}

func TestPublishIncremental(t *testing.T) {
	ctx := context.Background()
	p, store := setup(t, nil)
	req := Request{Mode: "incremental", Source: "master", Target: "web"}

	job := jobs.NewJob("publish", "admin", nil)
	report, err := p.Publish(ctx, req, job, "admin")
	require.NoError(t, err)
	// logo is created as home's referred item, then found up to date
	assert.Equal(t, publish.Counts{Created: 5, Skipped: 2}, report.Counts)
	assert.Equal(t, int64(6), job.Total())

	report, err = p.Publish(ctx, req, jobs.NewJob("publish", "admin", nil), "admin")
	require.NoError(t, err)
	assert.Equal(t, publish.Counts{}, report.Counts, "nothing changed since the last run")

	about, err := store.GetItem(ctx, "master", "about")
	require.NoError(t, err)
	about.Revision++
	about.UpdatedAt = time.Now()
	require.NoError(t, store.PutItem(ctx, "master", *about))

	report, err = p.Publish(ctx, req, jobs.NewJob("publish", "admin", nil), "admin")
	require.NoError(t, err)
	assert.Equal(t, publish.Counts{Updated: 1}, report.Counts)
}

func TestPublishExpiredJob(t *testing.T) {
	ctx := context.Background()

	t.Run("soft stop", func(t *testing.T) {
		p, store := setup(t, nil)
		job := jobs.NewJob("publish", "admin", nil)
		job.SetExpiry(time.Now().Add(-time.Second))

		report, err := p.Publish(ctx, smart("home"), job, "admin")
		require.NoError(t, err)
		assert.True(t, report.Canceled)
		assert.Zero(t, report.Counts.Total())

		mark, err := store.Watermark(ctx, "master", "web")
		require.NoError(t, err)
		assert.True(t, mark.IsZero(), "a partial run leaves the watermark alone")
	})

	t.Run("hard stop", func(t *testing.T) {
		p, _ := setup(t, &am.Config{Publish: am.PublishConfig{HardStop: true}})
		job := jobs.NewJob("publish", "admin", nil)
		job.SetExpiry(time.Now().Add(-time.Second))

		report, err := p.Publish(ctx, smart("home"), job, "admin")
		require.Error(t, err)
		assert.True(t, errors.IsPublishStopped(err))
		assert.True(t, report.Canceled)
	})
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"smart", smart("home"), true},
		{"incremental without root", Request{Mode: "incremental", Source: "master", Target: "web"}, true},
		{"unknown mode", Request{Root: "home", Mode: "sideways", Source: "master", Target: "web"}, false},
		{"missing root", Request{Mode: "full", Source: "master", Target: "web"}, false},
		{"missing target", Request{Root: "home", Mode: "smart", Source: "master"}, false},
		{"same database", Request{Root: "home", Mode: "smart", Source: "web", Target: "web"}, false},
		{"negative threads", Request{Root: "home", Mode: "smart", Source: "master", Target: "web", Threads: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
			}
		})
	}

	_, err := NewJob(Request{Mode: "smart"}, "admin")
	assert.Error(t, err)

	job, err := NewJob(smart("home"), "admin")
	require.NoError(t, err)
	assert.Equal(t, "Publish home (smart, master -> web)", job.Snapshot().Name)
	assert.Equal(t, "admin", job.Owner())
}

func TestLevels(t *testing.T) {
	changed := []content.Item{
		{ID: "n1", ParentID: "news"},
		{ID: "home"},
		{ID: "news", ParentID: "home"},
		{ID: "orphan", ParentID: "unchanged"},
	}
	assert.Equal(t, [][]string{{"home", "orphan"}, {"news"}, {"n1"}}, levels(changed))
	assert.Empty(t, levels(nil))
}

func startRegistry(t *testing.T, p *Publisher, db *sql.DB) *jobs.Registry {
	t.Helper()
	r := jobs.NewRegistry(jobs.NewStore(db), p, jobs.Config{PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func TestPublisherRunsRegistryJobs(t *testing.T) {
	p, _, db := setupDB(t, nil)
	r := startRegistry(t, p, db)

	job, err := NewJob(smart("home"), "admin")
	require.NoError(t, err)
	require.NoError(t, r.Submit(job))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := r.Wait(ctx, job.Handle())
	require.NoError(t, err)

	assert.Equal(t, jobs.StateFinished, st.State)
	assert.Equal(t, jobs.OutcomeCompleted, st.Outcome)
	assert.Equal(t, int64(6), st.Processed)
	assert.Contains(t, st.Messages, "Items skipped: 1")

	stored, err := jobs.NewStore(db).GetJob(job.Handle())
	require.NoError(t, err)
	assert.Equal(t, jobs.OutcomeCompleted, stored.Outcome)
}

func TestPublisherCancelRunningJob(t *testing.T) {
	// Two writes per second keeps the run busy long enough to cancel it
	p, store, db := setupDB(t, &am.Config{Publish: am.PublishConfig{MaxItemsPerSecond: 2, MaxConcurrentThreads: 1}})
	r := startRegistry(t, p, db)

	job, err := NewJob(smart("home"), "admin")
	require.NoError(t, err)
	require.NoError(t, r.Submit(job))

	require.Eventually(t, func() bool {
		return job.Processed() >= 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Cancel(job.Handle(), "editor"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := r.Wait(ctx, job.Handle())
	require.NoError(t, err)

	assert.Equal(t, jobs.OutcomePartial, st.Outcome)
	assert.Equal(t, "editor", st.StopRequestedBy)
	assert.Less(t, st.Processed, int64(6))

	mark, err := store.Watermark(context.Background(), "master", "web")
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
}

func TestPublisherRunRejectsBadRequest(t *testing.T) {
	p, _ := setup(t, nil)
	err := p.Run(context.Background(), jobs.NewJob("broken", "admin", []byte("{")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode publish request")

	err = p.Run(context.Background(), jobs.NewJob("broken", "admin", []byte(`{"mode":"smart"}`)))
	assert.True(t, errors.IsInvalidRequestError(err))
}
