package am

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", logger.FieldPath, back3, logger.FieldError, err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// SetValue persists key=value into the user config file (~/.publish/publish.toml)
func SetValue(key, raw string) error {
	path := UserConfigPath()
	if path == "" {
		return errors.New("could not determine home directory")
	}
	return SetValueAt(path, key, raw)
}

// SetValueAt persists key=value into the TOML file at configPath, creating it if
// needed. key uses dot notation; raw is parsed as bool, int or float before
// falling back to a string.
func SetValueAt(configPath, key, raw string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return errors.NewInvalidRequestError("malformed config key %q", key)
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	config := make(map[string]interface{})
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return errors.Wrapf(err, "failed to parse %s", configPath)
		}
	}

	section := config
	for _, p := range parts[:len(parts)-1] {
		next, ok := section[p].(map[string]interface{})
		if !ok {
			if _, exists := section[p]; exists {
				return errors.NewInvalidRequestError("config key %q is not a table", p)
			}
			next = make(map[string]interface{})
			section[p] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = parseValue(raw)

	// Validate the merged result before touching the file
	candidate, err := decodeConfig(config)
	if err != nil {
		return err
	}
	if err := candidate.Validate(); err != nil {
		return errors.Wrapf(err, "refusing to write %s", key)
	}

	return saveConfig(config, configPath)
}

func parseValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// decodeConfig round-trips a raw TOML tree through the typed Config
func decodeConfig(tree map[string]interface{}) (*Config, error) {
	data, err := toml.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}

	var raw struct {
		Database struct {
			Path string `toml:"path"`
		} `toml:"database"`
		Publish struct {
			MaxConcurrentThreads int     `toml:"max_concurrent_threads"`
			HardStop             bool    `toml:"hard_stop"`
			TraceToLog           bool    `toml:"trace_to_log"`
			Deep                 bool    `toml:"deep"`
			Mode                 string  `toml:"mode"`
			MaxItemsPerSecond    float64 `toml:"max_items_per_second"`
			JobExpirySeconds     int     `toml:"job_expiry_seconds"`
			Source               string  `toml:"source"`
			Target               string  `toml:"target"`
		} `toml:"publish"`
		Jobs struct {
			Workers      int `toml:"workers"`
			HistoryLimit int `toml:"history_limit"`
		} `toml:"jobs"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "config value has the wrong type"),
			"numbers and booleans are written unquoted, e.g. publish.hard_stop true")
	}

	return &Config{
		Database: DatabaseConfig{Path: raw.Database.Path},
		Publish: PublishConfig{
			MaxConcurrentThreads: raw.Publish.MaxConcurrentThreads,
			HardStop:             raw.Publish.HardStop,
			TraceToLog:           raw.Publish.TraceToLog,
			Deep:                 raw.Publish.Deep,
			Mode:                 raw.Publish.Mode,
			MaxItemsPerSecond:    raw.Publish.MaxItemsPerSecond,
			JobExpirySeconds:     raw.Publish.JobExpirySeconds,
			Source:               raw.Publish.Source,
			Target:               raw.Publish.Target,
		},
		Jobs: JobsConfig{Workers: raw.Jobs.Workers, HistoryLimit: raw.Jobs.HistoryLimit},
	}, nil
}

// saveConfig writes the config with backup
func saveConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to write %s", configPath))
	}

	return nil
}
