package config

import (
	"time"

	"github.com/spf13/viper"
)

// NodeConfig identifies the local node.
type NodeConfig struct {
	ID      string `mapstructure:"id"` // generated when empty
	Name    string `mapstructure:"name"`
	Region  string `mapstructure:"region"`
	Primary bool   `mapstructure:"primary"`
}

// StreamConfig holds the streaming transport settings.
type StreamConfig struct {
	ListenAddr       string   `mapstructure:"listen_addr"`
	AdvertiseAddr    string   `mapstructure:"advertise_addr"`
	Peers            []string `mapstructure:"peers"`
	DialTimeout      string   `mapstructure:"dial_timeout"`
	HandshakeTimeout string   `mapstructure:"handshake_timeout"`
	RedialInterval   string   `mapstructure:"redial_interval"`
}

// BusConfig holds the etcd bus settings.
type BusConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Endpoints   []string `mapstructure:"endpoints"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	// Redundant publishes every broadcast on the bus in addition to the
	// streaming path, instead of using the bus only as fallback.
	Redundant bool `mapstructure:"redundant"`
}

// CodecConfig holds the wire codec settings.
type CodecConfig struct {
	Binary               bool `mapstructure:"binary"`
	CompressionThreshold int  `mapstructure:"compression_threshold"`
}

// BatchConfig holds the router-level batching settings.
type BatchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
	MaxSize  int    `mapstructure:"max_size"`
}

// LivenessConfig holds the liveness timings.
type LivenessConfig struct {
	TickInterval string `mapstructure:"tick_interval"`
	StaleAfter   string `mapstructure:"stale_after"`
	PingTimeout  string `mapstructure:"ping_timeout"`
}

// StatusConfig holds the read-only HTTP surface settings.
type StatusConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty disables
}

// ServerConfig holds all the configuration for a node.
type ServerConfig struct {
	Node     NodeConfig     `mapstructure:"node"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Bus      BusConfig      `mapstructure:"bus"`
	Codec    CodecConfig    `mapstructure:"codec"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Status   StatusConfig   `mapstructure:"status"`
}

// LoadServerConfig loads the node configuration from a file.
func LoadServerConfig(path string) (ServerConfig, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	viper.SetDefault("node.name", "portalmesh-node")
	viper.SetDefault("node.region", "default")
	viper.SetDefault("stream.listen_addr", "0.0.0.0:25600")
	viper.SetDefault("stream.dial_timeout", "10s")
	viper.SetDefault("stream.handshake_timeout", "30s")
	viper.SetDefault("stream.redial_interval", "15s")
	viper.SetDefault("bus.enabled", false)
	viper.SetDefault("bus.topic_prefix", "/portalmesh")
	viper.SetDefault("bus.redundant", false)
	viper.SetDefault("codec.binary", true)
	viper.SetDefault("codec.compression_threshold", 256)
	viper.SetDefault("batch.enabled", true)
	viper.SetDefault("batch.interval", "5ms")
	viper.SetDefault("batch.max_size", 100)
	viper.SetDefault("liveness.tick_interval", "5s")
	viper.SetDefault("liveness.stale_after", "60s")
	viper.SetDefault("liveness.ping_timeout", "10s")
	viper.SetDefault("status.listen_addr", "")

	var cfg ServerConfig
	if err := viper.ReadInConfig(); err != nil {
		return cfg, err
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string, returning the fallback on empty or
// malformed input.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
