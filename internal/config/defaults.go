package config

import "time"

// DefaultConfig returns the built-in configuration. Heartbeat constants are
// deliberately configuration, not behavior: deployments tune them.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			StrictIsolation:     false,
			MaxConcurrency:      8,
			MaxSubWavesPerLayer: 0,
		},
		Liveness: LivenessConfig{
			HeartbeatInterval: Duration(5 * time.Second),
			TimeoutMultiplier: 3,
			SweepInterval:     Duration(1 * time.Second),
			RespawnAttempts:   1,
		},
		Resolution: ResolutionConfig{
			PreferNewestEdgeRemoval: true,
		},
		Runtime: RuntimeConfig{
			Command: "swell-worker",
		},
		Estimation: map[string][]ImpactRule{},
	}
}
