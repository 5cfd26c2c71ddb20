package connector

import (
	"fmt"
	"strings"
	"time"

	"simconn/internal/config"
	"simconn/internal/license"
	"simconn/internal/orchestrator"
	"simconn/internal/scheduler"
	"simconn/internal/storage"
	logx "simconn/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapRunsConfig(cfg *config.Config) (orchestrator.Config, error) {
	if cfg.Runs.MaxConcurrent < 0 {
		return orchestrator.Config{}, fmt.Errorf("runs.max_concurrent must be >= 0")
	}
	timeout, err := config.ParseDurationField("runs.default_timeout", cfg.Runs.DefaultTimeout)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		MaxConcurrent:  cfg.Runs.MaxConcurrent,
		DefaultTimeout: timeout,
	}, nil
}

func mapLicenseConfig(cfg *config.Config) (license.Config, error) {
	lease, err := config.ParseDurationOrDefault("license.lease_duration", cfg.License.LeaseDuration, 5*time.Minute)
	if err != nil {
		return license.Config{}, err
	}
	status, err := config.ParseDurationOrDefault("license.status_interval", cfg.License.StatusInterval, time.Minute)
	if err != nil {
		return license.Config{}, err
	}
	return license.Config{
		Enabled:        cfg.License.Enabled,
		LeaseDuration:  lease,
		StatusInterval: status,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		PollInterval:  poll,
		ConnectorName: cfg.Connector.Name,
	}, nil
}

// validate rejects a config before commit/publish on hot reload.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapRunsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLicenseConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := buildSimulatorClient(cfg); err != nil {
		return err
	}
	return nil
}
