package config

import (
	"errors"
	"fmt"
)

// Validate checks configuration constraints
func Validate(cfg *Config) error {
	if err := validateMQTT(&cfg.MQTT); err != nil {
		return err
	}
	if err := validateStore(&cfg.Store); err != nil {
		return err
	}
	if err := validateRelay(&cfg.Relay); err != nil {
		return err
	}
	if err := validateSupervisor(&cfg.Supervisor); err != nil {
		return err
	}
	if err := validateIngest(&cfg.Ingest); err != nil {
		return err
	}
	if cfg.Shutdown.Timeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}

// validateMQTT validates MQTT configuration
func validateMQTT(cfg *MQTTConfig) error {
	if cfg.Host == "" {
		return errors.New("mqtt host cannot be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("mqtt port %d out of range", cfg.Port)
	}
	if cfg.Scheme != "ssl" && cfg.Scheme != "tcp" {
		return fmt.Errorf("mqtt scheme must be ssl or tcp, got %q", cfg.Scheme)
	}
	if cfg.AccessToken == "" {
		return errors.New("mqtt access token cannot be empty")
	}
	if cfg.ClientID == "" {
		return errors.New("mqtt client ID cannot be empty")
	}
	if cfg.QoS != 1 {
		return errors.New("mqtt qos must be 1: delivery tracking relies on broker acknowledgement")
	}
	if cfg.TelemetryTopic == "" {
		return errors.New("mqtt telemetry topic cannot be empty")
	}
	if cfg.LogTopic == "" {
		return errors.New("mqtt log topic cannot be empty")
	}
	return nil
}

func validateStore(cfg *StoreConfig) error {
	if cfg.DataDir == "" {
		return errors.New("data directory cannot be empty")
	}
	if cfg.QueueFile == "" || cfg.ArchiveDir == "" || cfg.LockFile == "" || cfg.StateFile == "" {
		return errors.New("store file names cannot be empty")
	}
	return nil
}

func validateRelay(cfg *RelayConfig) error {
	if cfg.Interval <= 0 {
		return errors.New("relay interval must be positive")
	}
	if cfg.DisabledBackoff <= 0 {
		return errors.New("relay disabled backoff must be positive")
	}
	if cfg.AckTimeout <= 0 {
		return errors.New("relay ack timeout must be positive")
	}
	return nil
}

func validateSupervisor(cfg *SupervisorConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Tick <= 0 {
		return errors.New("supervisor tick must be positive")
	}
	if cfg.ContainerName == "" || cfg.Image == "" || cfg.DockerBinary == "" {
		return errors.New("supervisor container name, image and docker binary are required")
	}
	if cfg.BackoffInitial <= 0 || cfg.BackoffMax < cfg.BackoffInitial {
		return errors.New("supervisor backoff must satisfy 0 < initial <= max")
	}
	return nil
}

// validateIngest validates Redis ingest configuration when enabled
func validateIngest(cfg *IngestConfig) error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.Stream == "" || cfg.Group == "" {
		return errors.New("redis stream and group cannot be empty")
	}
	if cfg.Consumer == "" {
		return errors.New("redis consumer name cannot be empty")
	}
	if cfg.BatchSize < 1 {
		return errors.New("redis batch size must be positive")
	}
	return nil
}
