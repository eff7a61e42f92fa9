package config

import (
	"fmt"
)

// Load loads configuration with precedence: defaults → environment variables → command line flags
// It performs validation and runtime transformations before returning the configuration.
// args are the command line arguments without the program name.
func Load(args []string) (*Config, error) {
	fs, flags := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Step 1: Start with defaults
	cfg := defaultConfig()

	// Step 2: Apply environment variables
	loadMQTTFromEnv(&cfg.MQTT)
	loadStoreFromEnv(&cfg.Store)
	loadRelayFromEnv(&cfg.Relay)
	loadSupervisorFromEnv(&cfg.Supervisor)
	loadIngestFromEnv(&cfg.Ingest)
	loadStatusFromEnv(&cfg.Status)
	loadShutdownFromEnv(&cfg.Shutdown)

	// Step 3: Apply command line flags (highest precedence)
	flags.apply(fs, cfg)

	// Step 4: Apply runtime validations and transformations
	if err := applyRuntimeValidation(cfg); err != nil {
		return nil, err
	}

	// Step 5: Validate the final configuration
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
