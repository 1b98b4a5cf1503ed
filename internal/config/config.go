// Package config loads RMCitecraft's configuration bundle: database paths,
// media root, extension path, model-provider credentials, and the watch
// folder (spec.md §6 "Environment contract"). Grounded on the teacher's
// internal/config/config.go viper precedence walk and env-binding idiom.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// requiredKeys are the keys spec.md §6 says must never silently default.
var requiredKeys = []string{
	"primary_db_path",
	"research_db_path",
	"state_db_path",
	"media_root",
}

// Initialize sets up the viper singleton. Must be called once at startup
// before any Get* accessor.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD looking for ./.rmcitecraft/config.yaml, so
	// subcommands work from any subdirectory of a project.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".rmcitecraft", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
				break
			}
		}
	}

	// 2. XDG config dir (~/.config/rmcitecraft/config.yaml).
	if !configFileSet {
		if dir, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(dir, "rmcitecraft", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	// 3. Home directory fallback (~/.rmcitecraft/config.yaml).
	if !configFileSet {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".rmcitecraft", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("RMCITECRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Optional keys with named defaults. Required keys (below) get NO
	// default — a missing required key must fail Initialize, never
	// silently resolve to "".
	v.SetDefault("extension_path", "")
	v.SetDefault("model_provider_credentials", "")
	v.SetDefault("watch_folder", "")
	v.SetDefault("operator_log_path", "")
	v.SetDefault("lock_timeout", "30s")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_backoff", "2s")
	v.SetDefault("retry.max_backoff", "5m")
	v.SetDefault("timeout.floor", "10s")
	v.SetDefault("timeout.multiplier", 3.0)
	v.SetDefault("timeout.ceiling", "10m")
	v.SetDefault("access_date", "")
	v.SetDefault("place_approval.weight_similarity", 0.7)
	v.SetDefault("place_approval.weight_usage", 0.3)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	var missing []string
	for _, key := range requiredKeys {
		if v.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration keys: %s", strings.Join(missing, ", "))
	}

	return nil
}

// PrimaryDBPath is the path to the .rmtree primary genealogy database.
func PrimaryDBPath() string { return v.GetString("primary_db_path") }

// ResearchDBPath is the path to the persistent census/research sidecar DB.
func ResearchDBPath() string { return v.GetString("research_db_path") }

// StateDBPath is the path to the ephemeral batch-state DB.
func StateDBPath() string { return v.GetString("state_db_path") }

// MediaRoot is the directory attached media (downloaded photos) are stored under.
func MediaRoot() string { return v.GetString("media_root") }

// ExtensionPath is the unix socket the external extraction/browser
// collaborator listens on; 'rmcitecraft start' dials it through
// internal/extension and fails when it is unset. The core only reads the
// key and connects to it; it does not load or execute anything at it.
func ExtensionPath() string { return v.GetString("extension_path") }

// WatchFolder is an optional directory an external file watcher observes;
// the core reads the key but performs no OS-level watching itself
// (spec.md §1 Non-goals: "OS-level file watching").
func WatchFolder() string { return v.GetString("watch_folder") }

// OperatorLogPath is where internal/obslog writes; falls back to a
// media-root-relative path when unset.
func OperatorLogPath() string {
	if p := v.GetString("operator_log_path"); p != "" {
		return p
	}
	return filepath.Join(MediaRoot(), "rmcitecraft.log")
}

// LockTimeout bounds how long the single-writer-per-kind lock waits.
func LockTimeout() time.Duration { return v.GetDuration("lock_timeout") }

// RetryMaxAttempts is the retry ceiling before a transient error is demoted
// to a terminal error (spec.md §7).
func RetryMaxAttempts() int { return v.GetInt("retry.max_attempts") }

// RetryBaseBackoff / RetryMaxBackoff bound the exponential backoff+jitter.
func RetryBaseBackoff() time.Duration { return v.GetDuration("retry.base_backoff") }
func RetryMaxBackoff() time.Duration  { return v.GetDuration("retry.max_backoff") }

// TimeoutFloor / TimeoutMultiplier / TimeoutCeiling parameterize the
// adaptive per-stage timeout of spec.md §5: max(floor, multiplier*median),
// capped at ceiling.
func TimeoutFloor() time.Duration      { return v.GetDuration("timeout.floor") }
func TimeoutMultiplier() float64       { return v.GetFloat64("timeout.multiplier") }
func TimeoutCeiling() time.Duration    { return v.GetDuration("timeout.ceiling") }

// PlaceApprovalWeights returns the tunable (similarity, usage) weights for
// the place-approval combined score (SPEC_FULL.md §O.2).
func PlaceApprovalWeights() (similarity, usage float64) {
	return v.GetFloat64("place_approval.weight_similarity"), v.GetFloat64("place_approval.weight_usage")
}

// Snapshot returns an immutable copy of all currently resolved settings as
// a flat map, used as a Session's config snapshot (spec.md §3 Session).
func Snapshot() map[string]string {
	out := make(map[string]string)
	for _, key := range v.AllKeys() {
		out[key] = v.GetString(key)
	}
	return out
}
