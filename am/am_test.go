package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the working directory at empty temp dirs so the
// real user and project config files never leak into a test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())
	Reset()
	t.Cleanup(Reset)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "publish.db", cfg.Database.Path)
	assert.Equal(t, DefaultMaxConcurrentThreads(), cfg.Publish.MaxConcurrentThreads)
	assert.False(t, cfg.Publish.HardStop)
	assert.True(t, cfg.Publish.Deep)
	assert.Equal(t, ModeSmart, cfg.Publish.Mode)
	assert.Equal(t, 1, cfg.Jobs.Workers)
	assert.Equal(t, "master", cfg.Publish.Source)
	assert.Equal(t, "web", cfg.Publish.Target)
}

func TestDefaultMaxConcurrentThreads(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultMaxConcurrentThreads(), 1)

	cfg := &Config{}
	assert.Equal(t, DefaultMaxConcurrentThreads(), cfg.GetMaxConcurrentThreads(), "zero falls back to CPU count")

	cfg.Publish.MaxConcurrentThreads = 3
	assert.Equal(t, 3, cfg.GetMaxConcurrentThreads())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero values are valid", config: Config{}},
		{name: "negative threads", config: Config{Publish: PublishConfig{MaxConcurrentThreads: -1}}, wantErr: true},
		{name: "known mode", config: Config{Publish: PublishConfig{Mode: ModeIncremental}}},
		{name: "unknown mode", config: Config{Publish: PublishConfig{Mode: "turbo"}}, wantErr: true},
		{name: "negative throttle", config: Config{Publish: PublishConfig{MaxItemsPerSecond: -0.5}}, wantErr: true},
		{name: "negative expiry", config: Config{Publish: PublishConfig{JobExpirySeconds: -1}}, wantErr: true},
		{name: "source equals target", config: Config{Publish: PublishConfig{Source: "web", Target: "web"}}, wantErr: true},
		{name: "negative workers", config: Config{Jobs: JobsConfig{Workers: -2}}, wantErr: true},
		{name: "negative history", config: Config{Jobs: JobsConfig{HistoryLimit: -2}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_ProjectFileAndEnv(t *testing.T) {
	isolate(t)

	project := []byte("[publish]\nhard_stop = true\nmax_concurrent_threads = 3\n")
	require.NoError(t, os.WriteFile(ConfigFileName, project, 0644))
	t.Setenv("PUBLISH_PUBLISH_MODE", "full")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Publish.HardStop)
	assert.Equal(t, 3, cfg.Publish.MaxConcurrentThreads)
	assert.Equal(t, ModeFull, cfg.Publish.Mode)

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "Load caches until Reset")
}

func TestLoad_UserConfigBelowProject(t *testing.T) {
	home := isolate(t)

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".publish"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".publish", ConfigFileName),
		[]byte("[publish]\nmode = \"incremental\"\nhard_stop = true\n"), 0644))
	require.NoError(t, os.WriteFile(ConfigFileName, []byte("[publish]\nhard_stop = false\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, cfg.Publish.Mode)
	assert.False(t, cfg.Publish.HardStop, "project file overrides user file")

	settings := Introspect()
	bySource := map[string]ConfigSource{}
	for _, s := range settings {
		bySource[s.Key] = s.Source
	}
	assert.Equal(t, SourceUser, bySource["publish.mode"])
	assert.Equal(t, SourceProject, bySource["publish.hard_stop"])
	assert.Equal(t, SourceDefault, bySource["jobs.workers"])
}

func TestActiveConfigPath(t *testing.T) {
	home := isolate(t)
	assert.Empty(t, ActiveConfigPath())

	userPath := filepath.Join(home, ".publish", ConfigFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0750))
	require.NoError(t, os.WriteFile(userPath, []byte("[jobs]\nworkers = 2\n"), 0644))
	assert.Equal(t, userPath, ActiveConfigPath())

	require.NoError(t, os.WriteFile(ConfigFileName, []byte("[jobs]\nworkers = 3\n"), 0644))
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, ConfigFileName), ActiveConfigPath())

	paths := SearchPaths()
	require.Len(t, paths, 3)
	assert.Equal(t, SourceSystem, paths[0].Source)
	assert.Equal(t, SourceProject, paths[2].Source)
}

func TestIntrospect_Environment(t *testing.T) {
	isolate(t)
	t.Setenv("PUBLISH_JOBS_WORKERS", "4")

	for _, s := range Introspect() {
		if s.Key == "jobs.workers" {
			assert.Equal(t, SourceEnvironment, s.Source)
			assert.Equal(t, "PUBLISH_JOBS_WORKERS", s.SourcePath)
			return
		}
	}
	t.Fatal("jobs.workers missing from introspection")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[jobs]\nworkers = 5\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Jobs.Workers)
	assert.Equal(t, "publish.db", cfg.Database.Path)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestSetValueAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", ConfigFileName)

	require.NoError(t, SetValueAt(path, "publish.hard_stop", "true"))
	require.NoError(t, SetValueAt(path, "publish.max_concurrent_threads", "6"))
	require.NoError(t, SetValueAt(path, "publish.mode", "full"))

	var tree map[string]interface{}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, toml.Unmarshal(data, &tree))

	section := tree["publish"].(map[string]interface{})
	assert.Equal(t, true, section["hard_stop"])
	assert.EqualValues(t, 6, section["max_concurrent_threads"])
	assert.Equal(t, "full", section["mode"])

	// Two writes after the first produced two rotated backups
	assert.FileExists(t, path+".back1")
	assert.FileExists(t, path+".back2")
	assert.NoFileExists(t, path+".back3")
}

func TestSetValueAt_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)

	assert.Error(t, SetValueAt(path, "publish..mode", "full"))
	assert.Error(t, SetValueAt(path, "publish.mode", "turbo"), "invalid mode must not be written")
	assert.Error(t, SetValueAt(path, "publish.max_concurrent_threads", "-3"))
	assert.NoFileExists(t, path)

	require.NoError(t, SetValueAt(path, "publish.mode", "full"))
	assert.Error(t, SetValueAt(path, "publish.mode.nested", "x"), "scalar cannot become a table")
}

func TestSetValue_UserConfig(t *testing.T) {
	home := isolate(t)

	require.NoError(t, SetValue("jobs.workers", "3"))
	assert.Equal(t, filepath.Join(home, ".publish", ConfigFileName), UserConfigPath())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Jobs.Workers)
}

func TestSettings_LiveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[publish]\nhard_stop = false\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	settings := NewSettings(cfg)
	assert.False(t, settings.HardStop())

	w, err := NewFileWatcher(path)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)
	settings.Watch(w)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("[publish]\nhard_stop = true\nmax_concurrent_threads = 2\n"), 0644))

	require.Eventually(t, settings.HardStop, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, settings.MaxConcurrentThreads())
}

func TestSettings_ForceTraceSurvivesReload(t *testing.T) {
	settings := NewSettings(&Config{})
	assert.False(t, settings.TraceToLog())

	settings.ForceTrace()
	assert.True(t, settings.TraceToLog())

	require.NoError(t, settings.Update(&Config{Publish: PublishConfig{HardStop: true}}))
	assert.True(t, settings.TraceToLog())
	assert.True(t, settings.HardStop())
}

func TestSettings_InvalidReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[publish]\nmax_concurrent_threads = 4\n"), 0644))

	w, err := NewFileWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	settings := NewSettings(&Config{Publish: PublishConfig{MaxConcurrentThreads: 4}})
	settings.Watch(w)

	require.NoError(t, os.WriteFile(path, []byte("[publish]\nmode = \"turbo\"\n"), 0644))
	assert.Error(t, w.reload())
	assert.Equal(t, 4, settings.MaxConcurrentThreads())
}

func TestConfigWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[publish]\nhard_stop = false\n"), 0644))

	w, err := NewFileWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.True(t, w.concerns(fsnotify.Event{Name: path, Op: fsnotify.Write}))
	assert.True(t, w.concerns(fsnotify.Event{Name: path, Op: fsnotify.Create}))
	assert.False(t, w.concerns(fsnotify.Event{Name: path + ".back1", Op: fsnotify.Write}))
	assert.False(t, w.concerns(fsnotify.Event{Name: path, Op: fsnotify.Chmod}))
}

func TestConfigWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, nil, 0644))

	w, err := NewFileWatcher(path)
	require.NoError(t, err)
	w.Start()
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
