package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Per-call timeouts against the worker execution backend
const (
	WorkerStartTimeout   = 30 * time.Second
	WorkerStopTimeout    = 15 * time.Second
	WorkerInspectTimeout = 10 * time.Second
)

// Timeouts for the ingestion path
const (
	IngestTimeout  = 10 * time.Second
	PublishTimeout = 5 * time.Second
)

// MaxRequestBodySize caps request bodies. Session creation requests and
// worker status callbacks are small JSON documents; 1MB is generous.
const MaxRequestBodySize = 1 << 20
