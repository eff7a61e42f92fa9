package config

import "time"

// defaultMQTTConfig returns the default MQTT configuration
func defaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Host:                 "localhost",
		Port:                 8883,
		Scheme:               "ssl",
		QoS:                  1,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         30 * time.Second,
		SubscribeTimeout:     10 * time.Second,
		KeepAlive:            60 * time.Second,
		MaxReconnectInterval: 2 * time.Minute,
		DisconnectQuiesce:    1000,
		TelemetryTopic:       "v1/devices/me/telemetry",
		LogTopic:             "v1/devices/me/telemetry",
		AttributeKeys:        []string{"sw_title", "sw_url", "sw_version"},
	}
}

// defaultStoreConfig returns the default data directory layout
func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDir:    "data",
		QueueFile:  "communication_queue.db",
		ArchiveDir: "archive",
		LockFile:   "gateway.lock",
		StateFile:  "state.json",
	}
}

// defaultRelayConfig returns the default relay loop configuration
func defaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:        3 * time.Second,
		DisabledBackoff: 60 * time.Second,
		AckTimeout:      60 * time.Second,
		SendingEnabled:  true,
	}
}

// defaultSupervisorConfig returns the default workload supervision configuration
func defaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Enabled:            true,
		Tick:               10 * time.Second,
		ContainerName:      "acropolis-edge",
		Image:              "ghcr.io/tum-esm/acropolis-edge",
		DockerBinary:       "docker",
		BackoffInitial:     5 * time.Second,
		BackoffMax:         10 * time.Minute,
		OfflineRebootAfter: 24 * time.Hour,
		MinUptime:          24 * time.Hour,
	}
}

// defaultIngestConfig returns the default Redis ingest configuration
func defaultIngestConfig() IngestConfig {
	return IngestConfig{
		Stream:              "acropolis:outbound",
		Group:               "gateway",
		Consumer:            "gateway-1",
		BatchSize:           100,
		BlockTimeout:        2 * time.Second,
		ClaimIdle:           30 * time.Second,
		ConsumerIdleTimeout: 5 * time.Minute,
		CleanupInterval:     1 * time.Minute,
		DialTimeout:         10 * time.Second,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingTimeout:         5 * time.Second,
	}
}

// defaultConfig returns a complete configuration with all default values
func defaultConfig() *Config {
	return &Config{
		MQTT:       defaultMQTTConfig(),
		Store:      defaultStoreConfig(),
		Relay:      defaultRelayConfig(),
		Supervisor: defaultSupervisorConfig(),
		Ingest:     defaultIngestConfig(),
		Status:     StatusConfig{ReadHeaderTimeout: 5 * time.Second},
		Shutdown:   ShutdownConfig{Timeout: 20 * time.Second},
	}
}
