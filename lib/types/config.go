package types

// Config is the root configuration structure loaded from config.yaml
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Satellite SatelliteConfig `mapstructure:"satellite"`
	Expiry    ExpiryConfig    `mapstructure:"expiry"`
}

// ServerConfig contains transport and storage location settings
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	DataPath    string `mapstructure:"data_path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// RelayConfig contains the relay's advertised identity
type RelayConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Contact     string `mapstructure:"contact"`
	Software    string `mapstructure:"software"`
	Version     string `mapstructure:"version"`
	// PrivateKey is the relay's own identity (nsec), used to sign
	// reference events for offloaded private events.
	PrivateKey string `mapstructure:"private_key"`
}

// LimitsConfig bounds per-connection and per-query resource usage
type LimitsConfig struct {
	MaxOutboundQueue       int `mapstructure:"max_outbound_queue"`
	DefaultQueryLimit      int `mapstructure:"default_query_limit"`
	MaxQueryLimit          int `mapstructure:"max_query_limit"`
	ClockSkewFutureSeconds int `mapstructure:"clock_skew_future_seconds"`
}

// SatelliteConfig controls satellite node liveness and private-event forwarding
type SatelliteConfig struct {
	LivenessSeconds            int `mapstructure:"liveness_seconds"`
	ForwardRetryCeilingSeconds int `mapstructure:"forward_retry_ceiling_seconds"`
}

// ExpiryConfig controls the expired-event sweeper
type ExpiryConfig struct {
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}
