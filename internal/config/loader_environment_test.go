package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadMQTTFromEnv(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("TB_HOST", "broker")
	t.Setenv("TB_PORT", "8884")
	t.Setenv("MQTT_QOS", "5") // out of range, ignored
	t.Setenv("MQTT_KEEPALIVE", "30s")
	t.Setenv("MQTT_TLS_INSECURE_SKIP", "true")
	t.Setenv("MQTT_ATTRIBUTE_KEYS", "sw_title, sw_url,,sw_version")

	cfg := defaultMQTTConfig()
	loadMQTTFromEnv(&cfg)

	if cfg.Host != "broker" || cfg.Port != 8884 {
		t.Errorf("Host:Port = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.QoS != 1 {
		t.Errorf("QoS = %d; want default 1", cfg.QoS)
	}
	if cfg.KeepAlive != 30*time.Second {
		t.Errorf("KeepAlive = %v", cfg.KeepAlive)
	}
	if !cfg.InsecureSkip {
		t.Error("InsecureSkip should be true")
	}
	want := []string{"sw_title", "sw_url", "sw_version"}
	if !reflect.DeepEqual(cfg.AttributeKeys, want) {
		t.Errorf("AttributeKeys = %v; want %v", cfg.AttributeKeys, want)
	}
}

func TestLoadIngestFromEnv(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("REDIS_BATCH_SIZE", "50")
	t.Setenv("REDIS_CLAIM_IDLE", "1m")

	cfg := defaultIngestConfig()
	loadIngestFromEnv(&cfg)

	if cfg.Address != "redis:6379" || cfg.BatchSize != 50 || cfg.ClaimIdle != time.Minute {
		t.Errorf("unexpected ingest config: %+v", cfg)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("T_INT", "abc")
	t.Setenv("T_DUR", "soon")
	t.Setenv("T_BOOL", "yes")
	t.Setenv("T_BOOL_OK", "0")

	if getEnvInt("T_INT") != 0 {
		t.Error("invalid int should read as 0")
	}
	if getEnvDuration("T_DUR") != 0 {
		t.Error("invalid duration should read as 0")
	}
	if _, ok := getEnvBool("T_BOOL"); ok {
		t.Error("yes is not a Go boolean literal")
	}
	if v, ok := getEnvBool("T_BOOL_OK"); !ok || v {
		t.Errorf("getEnvBool(0) = %v, %v", v, ok)
	}
}
