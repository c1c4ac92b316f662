// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the compute gateway.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	SchedulerBackend  string        // "slurm" or "docker"
	WorkspaceRoot     string        // Parent directory for per-job workspaces
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		SchedulerBackend:  GetEnv("SCHEDULER_BACKEND", "slurm"),
		WorkspaceRoot:     GetEnv("WORKSPACE_ROOT", "workspaces"),
	}
}

// MonitorConfig holds configuration for the per-job completion monitor.
type MonitorConfig struct {
	PollInterval      time.Duration // How often to query the scheduler for job state
	Deadline          time.Duration // Maximum monitoring duration (0 = no limit)
	VisibilityRetries int           // Attempts to wait for the scheduler to register a new job
}

// LoadMonitorConfig loads monitor configuration from environment variables.
func LoadMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:      GetDurationEnv("MONITOR_POLL_INTERVAL", time.Second),
		Deadline:          GetDurationEnv("MONITOR_DEADLINE", 24*time.Hour),
		VisibilityRetries: GetIntEnv("MONITOR_VISIBILITY_RETRIES", 60),
	}
}

// StoreConfig holds configuration for the durable artifact store.
type StoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint for S3-compatible stores (MinIO etc.)
	Prefix          string // Key prefix under which workspaces are uploaded
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// LoadStoreConfig loads artifact store configuration from environment variables.
func LoadStoreConfig() StoreConfig {
	return StoreConfig{
		Bucket:          GetEnv("STORE_BUCKET", ""),
		Region:          GetEnv("STORE_REGION", ""),
		Endpoint:        GetEnv("STORE_ENDPOINT", ""),
		Prefix:          GetEnv("STORE_PREFIX", "workspaces"),
		AccessKeyID:     GetEnv("STORE_ACCESS_KEY_ID", ""),
		SecretAccessKey: GetSecretFile(GetEnv("STORE_SECRET_KEY_FILE", "")),
		ForcePathStyle:  GetBoolEnv("STORE_FORCE_PATH_STYLE", false),
	}
}
