package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// loadMQTTFromEnv loads MQTT configuration from environment variables
func loadMQTTFromEnv(cfg *MQTTConfig) {
	loadMQTTStrings(cfg)
	loadMQTTInts(cfg)
	loadMQTTTimeouts(cfg)
	loadMQTTTLS(cfg)
	loadMQTTTopics(cfg)
}

func loadMQTTStrings(cfg *MQTTConfig) {
	if v := getEnvString("TB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getEnvString("TB_SCHEME"); v != "" {
		cfg.Scheme = v
	}
	if v := getEnvString("TB_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := getEnvString("TB_ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := getEnvString("TB_ACCESS_TOKEN_FILE"); v != "" {
		cfg.AccessTokenFile = v
	}
}

func loadMQTTInts(cfg *MQTTConfig) {
	if v := getEnvInt("TB_PORT"); v != 0 {
		cfg.Port = v
	}
	if v := getEnvInt("MQTT_QOS"); v != 0 && v >= 0 && v <= 2 {
		cfg.QoS = byte(v) // #nosec G115 - validated range 0-2
	}
	if v := getEnvInt("MQTT_DISCONNECT_QUIESCE"); v > 0 {
		cfg.DisconnectQuiesce = uint(v) // #nosec G115 - checked positive
	}
}

func loadMQTTTimeouts(cfg *MQTTConfig) {
	if v := getEnvDuration("MQTT_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
	if v := getEnvDuration("MQTT_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("MQTT_SUBSCRIBE_TIMEOUT"); v != 0 {
		cfg.SubscribeTimeout = v
	}
	if v := getEnvDuration("MQTT_KEEPALIVE"); v != 0 {
		cfg.KeepAlive = v
	}
	if v := getEnvDuration("MQTT_MAX_RECONNECT_INTERVAL"); v != 0 {
		cfg.MaxReconnectInterval = v
	}
}

func loadMQTTTLS(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_CA_CERT"); v != "" {
		cfg.CACert = v
	}
	if v := getEnvString("MQTT_CLIENT_CERT"); v != "" {
		cfg.ClientCert = v
	}
	if v := getEnvString("MQTT_CLIENT_KEY"); v != "" {
		cfg.ClientKey = v
	}
	if v, ok := getEnvBool("MQTT_TLS_INSECURE_SKIP"); ok {
		cfg.InsecureSkip = v
	}
}

func loadMQTTTopics(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_TELEMETRY_TOPIC"); v != "" {
		cfg.TelemetryTopic = v
	}
	if v := getEnvString("MQTT_LOG_TOPIC"); v != "" {
		cfg.LogTopic = v
	}
	if v := getEnvList("MQTT_ATTRIBUTE_KEYS"); len(v) > 0 {
		cfg.AttributeKeys = v
	}
}

// loadStoreFromEnv loads the data directory layout from environment variables
func loadStoreFromEnv(cfg *StoreConfig) {
	if v := getEnvString("ACROPOLIS_DATA_PATH"); v != "" {
		cfg.DataDir = v
	}
	if v := getEnvString("STORE_QUEUE_FILE"); v != "" {
		cfg.QueueFile = v
	}
	if v := getEnvString("STORE_ARCHIVE_DIR"); v != "" {
		cfg.ArchiveDir = v
	}
	if v, ok := getEnvBool("STORE_RESET_ON_START"); ok {
		cfg.ResetOnStart = v
	}
}

// loadRelayFromEnv loads relay settings from environment variables
func loadRelayFromEnv(cfg *RelayConfig) {
	if v := getEnvDuration("RELAY_INTERVAL"); v != 0 {
		cfg.Interval = v
	}
	if v := getEnvDuration("RELAY_DISABLED_BACKOFF"); v != 0 {
		cfg.DisabledBackoff = v
	}
	if v := getEnvDuration("RELAY_ACK_TIMEOUT"); v != 0 {
		cfg.AckTimeout = v
	}
	if v, ok := getEnvBool("ACROPOLIS_SENDING_ENABLED"); ok {
		cfg.SendingEnabled = v
	}
	if v := getEnvString("RELAY_RUNTIME_FILE"); v != "" {
		cfg.RuntimeFile = v
	}
}

// loadSupervisorFromEnv loads workload supervision settings from environment variables
func loadSupervisorFromEnv(cfg *SupervisorConfig) {
	if v, ok := getEnvBool("SUPERVISOR_ENABLED"); ok {
		cfg.Enabled = v
	}
	if v := getEnvString("SUPERVISOR_CONTAINER_NAME"); v != "" {
		cfg.ContainerName = v
	}
	if v := getEnvString("SUPERVISOR_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := getEnvString("SUPERVISOR_DOCKER_BINARY"); v != "" {
		cfg.DockerBinary = v
	}
	if v := getEnvString("SUPERVISOR_RUN_ARGS"); v != "" {
		cfg.RunArgs = strings.Fields(v)
	}
	loadSupervisorTimeouts(cfg)
}

func loadSupervisorTimeouts(cfg *SupervisorConfig) {
	if v := getEnvDuration("SUPERVISOR_TICK"); v != 0 {
		cfg.Tick = v
	}
	if v := getEnvDuration("SUPERVISOR_BACKOFF_INITIAL"); v != 0 {
		cfg.BackoffInitial = v
	}
	if v := getEnvDuration("SUPERVISOR_BACKOFF_MAX"); v != 0 {
		cfg.BackoffMax = v
	}
	if v := getEnvDuration("SUPERVISOR_OFFLINE_REBOOT_AFTER"); v != 0 {
		cfg.OfflineRebootAfter = v
	}
	if v := getEnvDuration("SUPERVISOR_MIN_UPTIME"); v != 0 {
		cfg.MinUptime = v
	}
}

// loadIngestFromEnv loads Redis ingest configuration from environment variables
func loadIngestFromEnv(cfg *IngestConfig) {
	loadIngestStrings(cfg)
	if v := getEnvInt("REDIS_BATCH_SIZE"); v != 0 {
		cfg.BatchSize = v
	}
	loadIngestTimeouts(cfg)
}

func loadIngestStrings(cfg *IngestConfig) {
	if v := getEnvString("REDIS_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := getEnvString("REDIS_STREAM"); v != "" {
		cfg.Stream = v
	}
	if v := getEnvString("REDIS_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := getEnvString("REDIS_CONSUMER"); v != "" {
		cfg.Consumer = v
	}
}

func loadIngestTimeouts(cfg *IngestConfig) {
	if v := getEnvDuration("REDIS_BLOCK_TIMEOUT"); v != 0 {
		cfg.BlockTimeout = v
	}
	if v := getEnvDuration("REDIS_CLAIM_IDLE"); v != 0 {
		cfg.ClaimIdle = v
	}
	if v := getEnvDuration("REDIS_CONSUMER_IDLE_TIMEOUT"); v != 0 {
		cfg.ConsumerIdleTimeout = v
	}
	if v := getEnvDuration("REDIS_CLEANUP_INTERVAL"); v != 0 {
		cfg.CleanupInterval = v
	}
	if v := getEnvDuration("REDIS_DIAL_TIMEOUT"); v != 0 {
		cfg.DialTimeout = v
	}
	if v := getEnvDuration("REDIS_READ_TIMEOUT"); v != 0 {
		cfg.ReadTimeout = v
	}
	if v := getEnvDuration("REDIS_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("REDIS_PING_TIMEOUT"); v != 0 {
		cfg.PingTimeout = v
	}
}

func loadStatusFromEnv(cfg *StatusConfig) {
	if v := getEnvString("STATUS_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := getEnvDuration("STATUS_READ_HEADER_TIMEOUT"); v != 0 {
		cfg.ReadHeaderTimeout = v
	}
}

func loadShutdownFromEnv(cfg *ShutdownConfig) {
	if v := getEnvDuration("SHUTDOWN_TIMEOUT"); v != 0 {
		cfg.Timeout = v
	}
}

// Helper functions for reading environment variables

func getEnvString(key string) string {
	return os.Getenv(key)
}

func getEnvInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return intValue
}

func getEnvDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return duration
}

// getEnvBool reports the parsed value and whether the variable held a
// recognizable boolean, so that defaults of true can be switched off.
func getEnvBool(key string) (bool, bool) {
	value := os.Getenv(key)
	if value == "" {
		return false, false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false
	}
	return b, true
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
