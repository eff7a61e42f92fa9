// Package config provides configuration loading and validation from environment variables and command line flags.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete configuration
type Config struct {
	MQTT       MQTTConfig
	Store      StoreConfig
	Relay      RelayConfig
	Supervisor SupervisorConfig
	Ingest     IngestConfig
	Status     StatusConfig
	Shutdown   ShutdownConfig
}

// MQTTConfig holds the broker session configuration
type MQTTConfig struct {
	Host                 string
	Port                 int
	Scheme               string // "ssl" or "tcp"
	ClientID             string
	AccessToken          string
	AccessTokenFile      string
	QoS                  byte
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	SubscribeTimeout     time.Duration
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
	DisconnectQuiesce    uint // Milliseconds for graceful disconnect
	// TLS Configuration
	CACert       string
	ClientCert   string
	ClientKey    string
	InsecureSkip bool
	// Topics
	TelemetryTopic string
	LogTopic       string
	AttributeKeys  []string
}

// BrokerURL returns the paho server URL.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Scheme, c.Host, c.Port)
}

// StoreConfig holds the on-disk layout of the data directory
type StoreConfig struct {
	DataDir      string
	QueueFile    string
	ArchiveDir   string
	LockFile     string
	StateFile    string
	ResetOnStart bool // operator only: wipe the active queue before opening
}

// QueuePath is the SQLite database holding the active queue.
func (c StoreConfig) QueuePath() string { return filepath.Join(c.DataDir, c.QueueFile) }

// ArchivePath is the directory of daily archive segments.
func (c StoreConfig) ArchivePath() string { return filepath.Join(c.DataDir, c.ArchiveDir) }

// LockPath is the process lock file.
func (c StoreConfig) LockPath() string { return filepath.Join(c.DataDir, c.LockFile) }

// StatePath is the offline state record.
func (c StoreConfig) StatePath() string { return filepath.Join(c.DataDir, c.StateFile) }

// RelayConfig holds relay loop settings
type RelayConfig struct {
	Interval        time.Duration
	DisabledBackoff time.Duration // Sleep when sending is switched off
	AckTimeout      time.Duration // Sent messages older than this are republished
	SendingEnabled  bool
	RuntimeFile     string // YAML switch file re-read each iteration
}

// SupervisorConfig holds workload orchestration settings
type SupervisorConfig struct {
	Enabled            bool
	Tick               time.Duration
	ContainerName      string
	Image              string
	DockerBinary       string
	RunArgs            []string
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	OfflineRebootAfter time.Duration
	MinUptime          time.Duration
}

// IngestConfig holds the local Redis stream bridge configuration.
// An empty Address disables the bridge.
type IngestConfig struct {
	Address             string
	Stream              string
	Group               string
	Consumer            string
	BatchSize           int
	BlockTimeout        time.Duration
	ClaimIdle           time.Duration
	ConsumerIdleTimeout time.Duration
	CleanupInterval     time.Duration
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	PingTimeout         time.Duration
}

// Enabled reports whether the bridge should run.
func (c IngestConfig) Enabled() bool { return c.Address != "" }

// StatusConfig holds the local status HTTP server settings.
// An empty Address disables the server.
type StatusConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
}

// ShutdownConfig holds termination settings
type ShutdownConfig struct {
	Timeout time.Duration // Forced exit after this long
}
