package mqtt

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
)

// setupIntegrationConfig points at a plain-TCP broker from TB_HOST/TB_PORT
// (default localhost:1883) and skips when nothing listens there.
func setupIntegrationConfig(t *testing.T) *config.MQTTConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	cfg := testConfig()
	if host := os.Getenv("TB_HOST"); host != "" {
		cfg.Host = host
	}
	if port, err := strconv.Atoi(os.Getenv("TB_PORT")); err == nil {
		cfg.Port = port
	}
	cfg.ClientID = "integration-test-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	cfg.ConnectTimeout = 5 * time.Second
	cfg.SubscribeTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), time.Second)
	if err != nil {
		t.Skipf("no MQTT broker at %s:%d: %v", cfg.Host, cfg.Port, err)
	}
	_ = conn.Close()
	return cfg
}

func TestIntegration_Session(t *testing.T) {
	cfg := setupIntegrationConfig(t)
	logger := log.New()

	ready := make(chan struct{}, 1)
	s, err := NewSession(cfg, logger, WithConnectionListener(func(connected bool, _ error) {
		if connected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("session never became ready")
	}

	h, err := s.Publish(ctx, cfg.TelemetryTopic, []byte(`{"ts":1,"values":{"integration":1}}`))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	for {
		delivered, err := s.IsDelivered(h)
		if err != nil {
			t.Fatalf("IsDelivered: %v", err)
		}
		if delivered {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("publish never acknowledged")
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Log("Successfully published with broker acknowledgement")
}
