// Package main starts the ACROPOLIS field gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/gateway"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/shutdown"
)

func run() int {
	logger := log.New()
	logger.Info("Starting ACROPOLIS gateway")

	cfg, err := loadAndLogConfig(logger)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		return shutdown.ExitFailed
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize gateway: %v", err)
		return shutdown.ExitFailed
	}

	ctl := shutdown.New(shutdown.Config{
		Timeout: cfg.Shutdown.Timeout,
		Logger:  logger.Component("shutdown"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := gw.Run(ctx); err != nil {
			ctl.Fatal(err)
		}
	}()

	ctl.OnShutdown("loops", func() error {
		cancel()
		<-runDone
		return nil
	})
	ctl.OnShutdown("components", gw.Close)

	watchSignals(ctl, logger)
	return ctl.Wait()
}

func loadAndLogConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded successfully")
	logger.Info("MQTT: %s as %s, telemetry: %s, log: %s",
		cfg.MQTT.BrokerURL(), cfg.MQTT.ClientID, cfg.MQTT.TelemetryTopic, cfg.MQTT.LogTopic)
	logger.Info("Data directory: %s (runtime switches: %s)", cfg.Store.DataDir, cfg.Relay.RuntimeFile)
	if cfg.Supervisor.Enabled {
		logger.Info("Supervising container %s from %s", cfg.Supervisor.ContainerName, cfg.Supervisor.Image)
	}
	if cfg.Ingest.Enabled() {
		logger.Info("Redis ingest: %s, stream: %s", cfg.Ingest.Address, cfg.Ingest.Stream)
	}
	return cfg, nil
}

// watchSignals requests a graceful shutdown on the first SIGINT or SIGTERM
// and exits immediately on the second.
func watchSignals(ctl *shutdown.Controller, logger *log.Logger) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal %v, initiating graceful shutdown", sig)
			ctl.Request("signal " + sig.String())
		case <-ctl.Requested():
		}

		sig := <-sigChan
		logger.Error("Received second signal %v, exiting immediately", sig)
		os.Exit(shutdown.ExitFailed)
	}()
}

func main() {
	// Keep main minimal to ensure defers in run() execute correctly.
	os.Exit(run())
}
