// Package config loads and validates the YAML configuration for a communicators node.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for a single node.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Driver   DriverConfig   `yaml:"driver"`
	Protocol ProtocolConfig `yaml:"protocol"`
	REST     RESTConfig     `yaml:"rest"`
	Sinks    []SinkConfig   `yaml:"sinks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProtocolConfig supplies the default per-device timeouts an Engine falls
// back on when a device's own definition leaves them at zero.
// DefaultInitialDelayMillis is parsed but not applied to devices.
type ProtocolConfig struct {
	DefaultResponseTimeoutMillis int64 `yaml:"default_response_timeout_millis"`
	DefaultInitialDelayMillis    int64 `yaml:"default_initial_delay_millis"`
	DefaultMaxRetryConnect       int   `yaml:"default_max_retry_connect"`
	DefaultRetryDelayMillis      int64 `yaml:"default_retry_delay_millis"`
}

// DefaultResponseTimeout returns the configured response timeout as a Duration.
func (c *ProtocolConfig) DefaultResponseTimeout() time.Duration {
	return time.Duration(c.DefaultResponseTimeoutMillis) * time.Millisecond
}

// DefaultInitialDelay returns the configured initial command delay as a Duration.
func (c *ProtocolConfig) DefaultInitialDelay() time.Duration {
	return time.Duration(c.DefaultInitialDelayMillis) * time.Millisecond
}

// DefaultRetryDelay returns the configured reconnect retry delay as a Duration.
func (c *ProtocolConfig) DefaultRetryDelay() time.Duration {
	return time.Duration(c.DefaultRetryDelayMillis) * time.Millisecond
}

// NodeConfig identifies this node within the cluster's nodeTargetUrls list.
type NodeConfig struct {
	// NodeIndex is this node's cluster index. At startup each
	// NodeTargetUrls entry's /index endpoint is probed, and the entry
	// answering with this index is taken as this node's own URL.
	NodeIndex      int      `yaml:"node_index"`
	NodeTargetUrls []string `yaml:"node_target_urls"`
	DataDir        string   `yaml:"data_dir"`
}

// ClusterConfig controls the coordination plane (membership, election, heartbeat).
type ClusterConfig struct {
	BasePath                 string `yaml:"base_path"`
	HeartbeatIntervalMillis  int64  `yaml:"heartbeat_interval_millis"`
	LeaderLostTimeoutSeconds int64  `yaml:"leader_lost_timeout_seconds"`
	// QuorumOverride, when > 0, replaces the computed
	// floor(maxClusterSize/2)+1 quorum.
	QuorumOverride int `yaml:"quorum_override"`
	// ConnectTimeoutMillis / ReadTimeoutMillis bound every peer RPC.
	ConnectTimeoutMillis int64 `yaml:"connect_timeout_millis"`
	ReadTimeoutMillis    int64 `yaml:"read_timeout_millis"`
}

// DriverConfig controls device ownership and placement.
type DriverConfig struct {
	BasePath            string `yaml:"base_path"`
	LoadBalanceEnabled  bool   `yaml:"load_balance_enabled"`
	DisconnectDrainSecs int64  `yaml:"disconnect_drain_seconds"`
}

// RESTConfig controls the control/inspection HTTP shell.
type RESTConfig struct {
	BindAddress string `yaml:"bind_address"`
	BindPort    int    `yaml:"bind_port"`
}

// SinkConfig describes one configured downstream sink.
type SinkConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // file | kafka | rest | log

	// file
	Path       string `yaml:"path"`
	SyncPolicy string `yaml:"sync_policy"` // always | everysec | no

	// kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// rest
	TargetUrls []string `yaml:"target_urls"`

	Template string `yaml:"template"`
}

// LoggingConfig mirrors internal/logging.Config, decoded from YAML.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	LogDir        string `yaml:"log_dir"`
	BufferSize    int    `yaml:"buffer_size"`
}

// Load reads path, overlaying it on sane defaults, then validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			NodeIndex:      0,
			NodeTargetUrls: []string{"http://127.0.0.1:8081"},
			DataDir:        "./data",
		},
		Cluster: ClusterConfig{
			BasePath:                 "/cluster",
			HeartbeatIntervalMillis:  2000,
			LeaderLostTimeoutSeconds: 6,
			ConnectTimeoutMillis:     2000,
			ReadTimeoutMillis:        5000,
		},
		Driver: DriverConfig{
			BasePath:            "/driver",
			LoadBalanceEnabled:  true,
			DisconnectDrainSecs: 3,
		},
		Protocol: ProtocolConfig{
			DefaultResponseTimeoutMillis: 5000,
			DefaultInitialDelayMillis:    0,
			DefaultMaxRetryConnect:       -1,
			DefaultRetryDelayMillis:      2000,
		},
		REST: RESTConfig{
			BindAddress: "0.0.0.0",
			BindPort:    8081,
		},
		Sinks: []SinkConfig{
			{Name: "default", Type: "log"},
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			LogDir:        "logs",
			BufferSize:    1000,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate range-checks the loaded configuration.
func (c *Config) Validate() error {
	if len(c.Node.NodeTargetUrls) == 0 {
		return fmt.Errorf("node.node_target_urls must list at least this node's own URL")
	}
	if c.Cluster.HeartbeatIntervalMillis <= 0 {
		return fmt.Errorf("cluster.heartbeat_interval_millis must be positive")
	}
	if c.Cluster.LeaderLostTimeoutSeconds <= 0 {
		return fmt.Errorf("cluster.leader_lost_timeout_seconds must be positive")
	}
	if c.Cluster.QuorumOverride < 0 {
		return fmt.Errorf("cluster.quorum_override must be >= 0")
	}
	if c.REST.BindPort <= 0 || c.REST.BindPort > 65535 {
		return fmt.Errorf("rest.bind_port must be between 1 and 65535")
	}

	names := make(map[string]bool)
	for _, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name cannot be empty")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		names[s.Name] = true
		if !isValidSinkType(s.Type) {
			return fmt.Errorf("invalid sink type for %s: %s", s.Name, s.Type)
		}
		if s.Type == "file" && !isValidSyncPolicy(s.SyncPolicy) {
			return fmt.Errorf("invalid sync policy for sink %s: %s", s.Name, s.SyncPolicy)
		}
	}

	return nil
}

func isValidSinkType(t string) bool {
	switch t {
	case "file", "kafka", "rest", "log":
		return true
	}
	return false
}

func isValidSyncPolicy(policy string) bool {
	switch policy {
	case "always", "everysec", "no", "":
		return true
	}
	return false
}

// HeartbeatInterval returns the configured heartbeat interval as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Cluster.HeartbeatIntervalMillis) * time.Millisecond
}

// LeaderLostTimeout returns the configured leader-lost timeout as a Duration.
func (c *Config) LeaderLostTimeout() time.Duration {
	return time.Duration(c.Cluster.LeaderLostTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the per-call peer RPC connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Cluster.ConnectTimeoutMillis) * time.Millisecond
}

// ReadTimeout returns the per-call peer RPC read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Cluster.ReadTimeoutMillis) * time.Millisecond
}
