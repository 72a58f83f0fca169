package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/coretrusts/amdb/internal/engine"
)

// fileConfig is the on-disk shape of amdb's config file: JWCC (JSON with
// comments and trailing commas), parsed the same way the teacher's ticket
// CLI reads .tk.json.
type fileConfig struct {
	Dir                 string `json:"dir,omitempty"`
	ShardCount          int    `json:"shard_count,omitempty"`
	MemtableBudgetBytes int64  `json:"memtable_budget_bytes,omitempty"`
	CompactionThreshold int    `json:"compaction_threshold,omitempty"`
	SyncWAL             *bool  `json:"sync_wal,omitempty"`
	BPlusOrder          int    `json:"bplus_order,omitempty"`
	Description         string `json:"description,omitempty"`
}

// configFileName is the default project config file name.
const configFileName = ".amdb.json"

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
)

// loadConfig reads amdb's config with the teacher's precedence order
// (highest wins): defaults < global user config < one config file, which
// is the explicit --config path when given and the project config file
// otherwise (the project file is not read when --config is set). The
// caller layers CLI flags on top of the
// result. A missing project/global file is not an error; an explicit
// --config path that does not exist is.
func loadConfig(workDir, explicitPath string) (fileConfig, string, error) {
	var cfg fileConfig
	var loadedFrom string

	if global := globalConfigPath(); global != "" {
		if fc, ok, err := loadConfigFile(global, false); err != nil {
			return fileConfig{}, "", err
		} else if ok {
			cfg = mergeFileConfig(cfg, fc)
			loadedFrom = global
		}
	}

	projectPath := explicitPath
	mustExist := explicitPath != ""
	if projectPath == "" {
		projectPath = filepath.Join(workDir, configFileName)
	}

	fc, ok, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return fileConfig{}, "", err
	}
	if ok {
		cfg = mergeFileConfig(cfg, fc)
		loadedFrom = projectPath
	}

	return cfg, loadedFrom, nil
}

// globalConfigPath mirrors the teacher's $XDG_CONFIG_HOME/<tool>/config.json
// convention, falling back to ~/.config/amdb/config.json.
func globalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amdb", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "amdb", "config.json")
}

func loadConfigFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled, not attacker input
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return fileConfig{}, false, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
			}
			return fileConfig{}, false, nil
		}
		return fileConfig{}, false, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: invalid JWCC: %w", errConfigInvalid, path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return fc, true, nil
}

func mergeFileConfig(base, overlay fileConfig) fileConfig {
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}
	if overlay.ShardCount != 0 {
		base.ShardCount = overlay.ShardCount
	}
	if overlay.MemtableBudgetBytes != 0 {
		base.MemtableBudgetBytes = overlay.MemtableBudgetBytes
	}
	if overlay.CompactionThreshold != 0 {
		base.CompactionThreshold = overlay.CompactionThreshold
	}
	if overlay.SyncWAL != nil {
		base.SyncWAL = overlay.SyncWAL
	}
	if overlay.BPlusOrder != 0 {
		base.BPlusOrder = overlay.BPlusOrder
	}
	if overlay.Description != "" {
		base.Description = overlay.Description
	}
	return base
}

// engineOptions translates a loaded fileConfig into engine.Options, the
// same override-on-top-of-defaults pattern the teacher's ticket CLI used
// for its own Config struct.
func (fc fileConfig) engineOptions() []engine.Option {
	var opts []engine.Option
	if fc.ShardCount != 0 {
		opts = append(opts, engine.WithShardCount(fc.ShardCount))
	}
	if fc.MemtableBudgetBytes != 0 {
		opts = append(opts, engine.WithMemtableBudgetBytes(fc.MemtableBudgetBytes))
	}
	if fc.CompactionThreshold != 0 {
		opts = append(opts, engine.WithCompactionThreshold(fc.CompactionThreshold))
	}
	if fc.SyncWAL != nil {
		opts = append(opts, engine.WithSyncWAL(*fc.SyncWAL))
	}
	if fc.BPlusOrder != 0 {
		opts = append(opts, engine.WithBPlusOrder(fc.BPlusOrder))
	}
	if fc.Description != "" {
		opts = append(opts, engine.WithDescription(fc.Description))
	}
	return opts
}

// formatConfig renders a fileConfig for "show config".
func formatConfig(fc fileConfig, loadedFrom string) string {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err.Error()
	}
	if loadedFrom == "" {
		return string(data) + "\n(no config file loaded; showing defaults)\n"
	}
	return fmt.Sprintf("%s\n(loaded from %s)\n", data, loadedFrom)
}
