package config

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// applyRuntimeValidation applies runtime validations and transformations
func applyRuntimeValidation(cfg *Config) error {
	if err := loadAccessToken(&cfg.MQTT); err != nil {
		return err
	}
	if err := applyClientID(&cfg.MQTT); err != nil {
		return err
	}
	if cfg.Relay.RuntimeFile == "" {
		cfg.Relay.RuntimeFile = filepath.Join(cfg.Store.DataDir, "runtime.yaml")
	}
	return ensureDataDirs(&cfg.Store)
}

// loadAccessToken reads the token file when no token was given directly.
// The token is produced by the provisioning step outside this process.
func loadAccessToken(cfg *MQTTConfig) error {
	if cfg.AccessToken != "" || cfg.AccessTokenFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.AccessTokenFile) // #nosec G304 - path is from config, not user input
	if err != nil {
		return fmt.Errorf("failed to read access token file: %w", err)
	}
	cfg.AccessToken = strings.TrimSpace(string(data))
	return nil
}

// applyClientID derives the client ID from the client certificate CN, or
// generates one, when none is configured.
func applyClientID(cfg *MQTTConfig) error {
	if cfg.ClientID != "" {
		return nil
	}
	if cfg.ClientCert != "" {
		cn, err := extractCNFromCertFile(cfg.ClientCert)
		if err != nil {
			return fmt.Errorf("failed to extract CN from certificate: %w", err)
		}
		cfg.ClientID = cn
		return nil
	}
	cfg.ClientID = "acropolis-gateway-" + uuid.NewString()[:8]
	return nil
}

// extractCNFromCertFile extracts the CN from a PEM certificate file
func extractCNFromCertFile(certPath string) (string, error) {
	certPEM, err := os.ReadFile(certPath) // #nosec G304 - certPath is from config, not user input
	if err != nil {
		return "", fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("certificate has no CN")
	}

	return cert.Subject.CommonName, nil
}

// ensureDataDirs creates the data directory and archive directory.
func ensureDataDirs(cfg *StoreConfig) error {
	if cfg.DataDir == "" {
		return nil // reported by Validate
	}
	for _, dir := range []string{cfg.DataDir, cfg.ArchivePath()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
