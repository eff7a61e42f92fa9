package config

import (
	"time"

	"github.com/spf13/pflag"
)

// cliFlags holds the parsed command line values. Only flags that were
// explicitly set override the environment (pflag's Changed).
type cliFlags struct {
	// MQTT flags
	tbHost         *string
	tbPort         *int
	tbScheme       *string
	tbClientID     *string
	tbTokenFile    *string
	mqttQoS        *int
	mqttConnect    *time.Duration
	mqttWrite      *time.Duration
	mqttSubscribe  *time.Duration
	mqttKeepAlive  *time.Duration
	mqttMaxReconn  *time.Duration
	mqttCACert     *string
	mqttClientCert *string
	mqttClientKey  *string
	mqttInsecure   *bool
	mqttTelemetry  *string
	mqttLogTopic   *string
	mqttAttrKeys   *[]string
	// Store, relay and supervisor flags
	storeDataDir    *string
	storeReset      *bool
	relayInterval   *time.Duration
	relayAckTimeout *time.Duration
	relaySending    *bool
	relayRuntime    *string
	supEnabled      *bool
	supTick         *time.Duration
	supContainer    *string
	supImage        *string
	supDocker       *string
	supRunArgs      *[]string
	// Redis ingest flags
	redisAddress    *string
	redisStream     *string
	redisGroup      *string
	redisConsumer   *string
	redisBatchSize  *int
	redisBlock      *time.Duration
	redisClaimIdle  *time.Duration
	statusAddress   *string
	shutdownTimeout *time.Duration
}

// newFlagSet declares every flag on a fresh set so Load can be called
// repeatedly (tests do).
func newFlagSet() (*pflag.FlagSet, *cliFlags) {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	f := &cliFlags{
		tbHost:          fs.String("tb-host", "", "ThingsBoard MQTT host"),
		tbPort:          fs.Int("tb-port", 0, "ThingsBoard MQTT port"),
		tbScheme:        fs.String("tb-scheme", "", "Broker URL scheme (ssl or tcp)"),
		tbClientID:      fs.String("tb-client-id", "", "MQTT client ID"),
		tbTokenFile:     fs.String("tb-access-token-file", "", "File holding the device access token"),
		mqttQoS:         fs.Int("mqtt-qos", 1, "MQTT QoS (0, 1, or 2)"),
		mqttConnect:     fs.Duration("mqtt-connect-timeout", 0, "MQTT connect timeout"),
		mqttWrite:       fs.Duration("mqtt-write-timeout", 0, "MQTT write timeout"),
		mqttSubscribe:   fs.Duration("mqtt-subscribe-timeout", 0, "MQTT subscribe timeout"),
		mqttKeepAlive:   fs.Duration("mqtt-keepalive", 0, "MQTT keepalive interval"),
		mqttMaxReconn:   fs.Duration("mqtt-max-reconnect-interval", 0, "MQTT max reconnect interval"),
		mqttCACert:      fs.String("mqtt-ca-cert", "", "MQTT CA certificate path"),
		mqttClientCert:  fs.String("mqtt-client-cert", "", "MQTT client certificate path"),
		mqttClientKey:   fs.String("mqtt-client-key", "", "MQTT client key path"),
		mqttInsecure:    fs.Bool("mqtt-tls-insecure-skip", false, "Skip MQTT TLS verification"),
		mqttTelemetry:   fs.String("mqtt-telemetry-topic", "", "Topic for measurements and status"),
		mqttLogTopic:    fs.String("mqtt-log-topic", "", "Topic for forwarded log lines"),
		mqttAttrKeys:    fs.StringSlice("mqtt-attribute-keys", nil, "Shared attribute keys requested on connect"),
		storeDataDir:    fs.String("data-dir", "", "Data directory (queue, archive, lock, state)"),
		storeReset:      fs.Bool("reset-queue", false, "Delete and recreate the active queue on start"),
		relayInterval:   fs.Duration("relay-interval", 0, "Relay loop interval"),
		relayAckTimeout: fs.Duration("relay-ack-timeout", 0, "Republish sent messages unacknowledged this long"),
		relaySending:    fs.Bool("sending-enabled", true, "Publish queued messages"),
		relayRuntime:    fs.String("runtime-file", "", "YAML runtime switch file"),
		supEnabled:      fs.Bool("supervisor-enabled", true, "Supervise the workload container"),
		supTick:         fs.Duration("supervisor-tick", 0, "Supervisor liveness tick"),
		supContainer:    fs.String("supervisor-container", "", "Workload container name"),
		supImage:        fs.String("supervisor-image", "", "Workload image repository"),
		supDocker:       fs.String("supervisor-docker", "", "Docker binary"),
		supRunArgs:      fs.StringArray("supervisor-run-arg", nil, "Extra docker run argument (repeatable)"),
		redisAddress:    fs.String("redis-address", "", "Redis address for local ingest (empty disables)"),
		redisStream:     fs.String("redis-stream", "", "Redis ingest stream"),
		redisGroup:      fs.String("redis-group", "", "Redis consumer group"),
		redisConsumer:   fs.String("redis-consumer", "", "Redis consumer name"),
		redisBatchSize:  fs.Int("redis-batch-size", 0, "Redis batch size"),
		redisBlock:      fs.Duration("redis-block-timeout", 0, "Redis block timeout"),
		redisClaimIdle:  fs.Duration("redis-claim-idle", 0, "Redis claim idle time"),
		statusAddress:   fs.String("status-address", "", "Status HTTP listen address (empty disables)"),
		shutdownTimeout: fs.Duration("shutdown-timeout", 0, "Forced exit timeout"),
	}
	return fs, f
}

// apply copies explicitly set flags onto cfg.
func (f *cliFlags) apply(fs *pflag.FlagSet, cfg *Config) {
	applyMQTTFlags(fs, f, &cfg.MQTT)
	applyStoreFlags(fs, f, &cfg.Store)
	applyRelayFlags(fs, f, &cfg.Relay)
	applySupervisorFlags(fs, f, &cfg.Supervisor)
	applyIngestFlags(fs, f, &cfg.Ingest)
	if fs.Changed("status-address") {
		cfg.Status.Address = *f.statusAddress
	}
	if fs.Changed("shutdown-timeout") {
		cfg.Shutdown.Timeout = *f.shutdownTimeout
	}
}

func applyMQTTFlags(fs *pflag.FlagSet, f *cliFlags, cfg *MQTTConfig) {
	setString(fs, "tb-host", f.tbHost, &cfg.Host)
	setString(fs, "tb-scheme", f.tbScheme, &cfg.Scheme)
	setString(fs, "tb-client-id", f.tbClientID, &cfg.ClientID)
	setString(fs, "tb-access-token-file", f.tbTokenFile, &cfg.AccessTokenFile)
	if fs.Changed("tb-port") {
		cfg.Port = *f.tbPort
	}
	if fs.Changed("mqtt-qos") && *f.mqttQoS >= 0 && *f.mqttQoS <= 2 {
		cfg.QoS = byte(*f.mqttQoS) // #nosec G115 - validated range 0-2
	}
	setDuration(fs, "mqtt-connect-timeout", f.mqttConnect, &cfg.ConnectTimeout)
	setDuration(fs, "mqtt-write-timeout", f.mqttWrite, &cfg.WriteTimeout)
	setDuration(fs, "mqtt-subscribe-timeout", f.mqttSubscribe, &cfg.SubscribeTimeout)
	setDuration(fs, "mqtt-keepalive", f.mqttKeepAlive, &cfg.KeepAlive)
	setDuration(fs, "mqtt-max-reconnect-interval", f.mqttMaxReconn, &cfg.MaxReconnectInterval)
	setString(fs, "mqtt-ca-cert", f.mqttCACert, &cfg.CACert)
	setString(fs, "mqtt-client-cert", f.mqttClientCert, &cfg.ClientCert)
	setString(fs, "mqtt-client-key", f.mqttClientKey, &cfg.ClientKey)
	if fs.Changed("mqtt-tls-insecure-skip") {
		cfg.InsecureSkip = *f.mqttInsecure
	}
	setString(fs, "mqtt-telemetry-topic", f.mqttTelemetry, &cfg.TelemetryTopic)
	setString(fs, "mqtt-log-topic", f.mqttLogTopic, &cfg.LogTopic)
	if fs.Changed("mqtt-attribute-keys") {
		cfg.AttributeKeys = *f.mqttAttrKeys
	}
}

func applyStoreFlags(fs *pflag.FlagSet, f *cliFlags, cfg *StoreConfig) {
	setString(fs, "data-dir", f.storeDataDir, &cfg.DataDir)
	if fs.Changed("reset-queue") {
		cfg.ResetOnStart = *f.storeReset
	}
}

func applyRelayFlags(fs *pflag.FlagSet, f *cliFlags, cfg *RelayConfig) {
	setDuration(fs, "relay-interval", f.relayInterval, &cfg.Interval)
	setDuration(fs, "relay-ack-timeout", f.relayAckTimeout, &cfg.AckTimeout)
	setString(fs, "runtime-file", f.relayRuntime, &cfg.RuntimeFile)
	if fs.Changed("sending-enabled") {
		cfg.SendingEnabled = *f.relaySending
	}
}

func applySupervisorFlags(fs *pflag.FlagSet, f *cliFlags, cfg *SupervisorConfig) {
	if fs.Changed("supervisor-enabled") {
		cfg.Enabled = *f.supEnabled
	}
	setDuration(fs, "supervisor-tick", f.supTick, &cfg.Tick)
	setString(fs, "supervisor-container", f.supContainer, &cfg.ContainerName)
	setString(fs, "supervisor-image", f.supImage, &cfg.Image)
	setString(fs, "supervisor-docker", f.supDocker, &cfg.DockerBinary)
	if fs.Changed("supervisor-run-arg") {
		cfg.RunArgs = *f.supRunArgs
	}
}

func applyIngestFlags(fs *pflag.FlagSet, f *cliFlags, cfg *IngestConfig) {
	setString(fs, "redis-address", f.redisAddress, &cfg.Address)
	setString(fs, "redis-stream", f.redisStream, &cfg.Stream)
	setString(fs, "redis-group", f.redisGroup, &cfg.Group)
	setString(fs, "redis-consumer", f.redisConsumer, &cfg.Consumer)
	if fs.Changed("redis-batch-size") {
		cfg.BatchSize = *f.redisBatchSize
	}
	setDuration(fs, "redis-block-timeout", f.redisBlock, &cfg.BlockTimeout)
	setDuration(fs, "redis-claim-idle", f.redisClaimIdle, &cfg.ClaimIdle)
}

func setString(fs *pflag.FlagSet, name string, v *string, dst *string) {
	if fs.Changed(name) {
		*dst = *v
	}
}

func setDuration(fs *pflag.FlagSet, name string, v *time.Duration, dst *time.Duration) {
	if fs.Changed(name) {
		*dst = *v
	}
}
