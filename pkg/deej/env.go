package deej

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// RuntimeSettings are process-level knobs that don't belong in config.yaml, read from the environment
type RuntimeSettings struct {

	// where config.yaml lives
	ConfigDir string `env:"BSDEEJ_CONFIG_DIR" envDefault:"."`

	// when set, notifications only go to the log (useful when running as a headless service)
	NoNotifications bool `env:"BSDEEJ_NO_NOTIFICATIONS" envDefault:"false"`

	// overrides the build type baked in at link time ("dev" or "release")
	BuildType string `env:"BSDEEJ_BUILD_TYPE"`
}

// LoadRuntimeSettings parses RuntimeSettings from the environment
func LoadRuntimeSettings() (RuntimeSettings, error) {
	var settings RuntimeSettings
	if err := env.Parse(&settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("parse environment: %w", err)
	}

	return settings, nil
}
