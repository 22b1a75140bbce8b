package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can say "5s" or "250ms".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SchedulerConfig tunes wave computation.
type SchedulerConfig struct {
	// StrictIsolation makes read-write impact pairs blocking.
	StrictIsolation bool `json:"strict_isolation"`
	// MaxConcurrency bounds concurrent worker spawns per wave. 0 means
	// the wave size itself is the bound.
	MaxConcurrency int `json:"max_concurrency"`
	// MaxSubWavesPerLayer bounds conflict splitting of one dependency
	// layer; exceeding it escalates an unresolvable conflict. 0 = unlimited.
	MaxSubWavesPerLayer int `json:"max_sub_waves_per_layer"`
}

// LivenessConfig tunes heartbeat supervision. The timeout is
// HeartbeatInterval * TimeoutMultiplier.
type LivenessConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	TimeoutMultiplier int      `json:"timeout_multiplier"`
	SweepInterval     Duration `json:"sweep_interval"`
	RespawnAttempts   int      `json:"respawn_attempts"`
}

// Timeout returns the stall threshold.
func (l LivenessConfig) Timeout() time.Duration {
	return l.HeartbeatInterval.Std() * time.Duration(l.TimeoutMultiplier)
}

// ResolutionConfig tunes cycle resolution proposals.
type ResolutionConfig struct {
	// PreferNewestEdgeRemoval keeps the default most-recently-added-edge-
	// loses tie-break. Callers supplying a priority function override it
	// regardless of this flag.
	PreferNewestEdgeRemoval bool `json:"prefer_newest_edge_removal"`
}

// RuntimeConfig names the worker command spawned per task.
type RuntimeConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ImpactRule is one estimated file impact for a task category.
type ImpactRule struct {
	Pattern string `json:"pattern"`
	Op      string `json:"op"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler  SchedulerConfig         `json:"scheduler"`
	Liveness   LivenessConfig          `json:"liveness"`
	Resolution ResolutionConfig        `json:"resolution"`
	Runtime    RuntimeConfig           `json:"runtime"`
	Estimation map[string][]ImpactRule `json:"estimation"` // category -> impacts
}
