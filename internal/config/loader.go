package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// fileConfig mirrors Config with pointer sections so a file can override
// only the sections it mentions.
type fileConfig struct {
	Scheduler  *SchedulerConfig        `json:"scheduler"`
	Liveness   *LivenessConfig         `json:"liveness"`
	Resolution *ResolutionConfig       `json:"resolution"`
	Runtime    *RuntimeConfig          `json:"runtime"`
	Estimation map[string][]ImpactRule `json:"estimation"`
}

// Load reads and merges configuration from global and project paths.
// Precedence (highest first): project config, global config, defaults.
// Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: $XDG_CONFIG_HOME/swell/config.json
// Project: .swell/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	return Load(GlobalPath(), ProjectPath())
}

// GlobalPath returns the XDG global config path.
func GlobalPath() string {
	return filepath.Join(xdg.ConfigHome, "swell", "config.json")
}

// ProjectPath returns the project-local config path.
func ProjectPath() string {
	return filepath.Join(".swell", "config.json")
}

// mergeConfigFile overlays one config file onto the base. Sections absent
// from the file keep their current values; estimation rules merge per
// category key.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded fileConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Scheduler != nil {
		base.Scheduler = *loaded.Scheduler
	}
	if loaded.Liveness != nil {
		base.Liveness = *loaded.Liveness
	}
	if loaded.Resolution != nil {
		base.Resolution = *loaded.Resolution
	}
	if loaded.Runtime != nil {
		base.Runtime = *loaded.Runtime
	}
	for category, rules := range loaded.Estimation {
		if base.Estimation == nil {
			base.Estimation = map[string][]ImpactRule{}
		}
		base.Estimation[category] = rules
	}
	return nil
}
