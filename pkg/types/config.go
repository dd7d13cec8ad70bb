package types

import "time"

// ServerConfig configures the diagnostic/control HTTP+WS API (spec §1 — kept
// as thin, reimplementable ambient surface).
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// DataConfig configures the in-memory/persisted market-data store.
type DataConfig struct {
	DataDir      string `json:"dataDir"`
	CacheSize    int    `json:"cacheSize"` // MB
	SnapshotYAML string `json:"snapshotYaml"`
}
