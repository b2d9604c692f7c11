// Package config loads the coordinator's typed configuration via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all coordinator configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
}

// ServerConfig holds the admin HTTP and RPC listener configuration.
type ServerConfig struct {
	AdminHost       string `mapstructure:"admin_host"`
	AdminPort       int    `mapstructure:"admin_port"`
	RPCHost         string `mapstructure:"rpc_host"`
	RPCPort         int    `mapstructure:"rpc_port"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	WorkDir         string `mapstructure:"work_dir"`
}

// AdminAddr returns the admin HTTP listen address.
func (c *ServerConfig) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.AdminHost, c.AdminPort)
}

// RPCAddr returns the RPC listen address.
func (c *ServerConfig) RPCAddr() string {
	return fmt.Sprintf("%s:%d", c.RPCHost, c.RPCPort)
}

// ClusterConfig describes this node's place in the cluster membership:
// its own index, and every peer's admin URL (so a non-leader can render a
// link to the leader's status table).
type ClusterConfig struct {
	SelfIndex  int      `mapstructure:"self_index"`
	PeerAdmins []string `mapstructure:"peer_admins"`
}

// RedisConfig configures the Redis instance backing cluster membership
// heartbeats.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address.
func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuditConfig configures the optional Postgres audit trail for completed
// leases. Entirely additive: the ledger itself is never persisted here.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// ProxyConfig holds the user-editable proxy list text and test URL.
type ProxyConfig struct {
	ProxyIPs     string `mapstructure:"proxy_ips"`
	ProxyTestURL string `mapstructure:"proxy_test_url"`
}

// Load reads configuration from configPath (or ./config.yaml by default),
// with environment variable overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetDefault("server.admin_host", "0.0.0.0")
	v.SetDefault("server.admin_port", 8080)
	v.SetDefault("server.rpc_host", "0.0.0.0")
	v.SetDefault("server.rpc_port", 9054)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("server.shutdown_timeout", 5)
	v.SetDefault("server.work_dir", ".")
	v.SetDefault("cluster.self_index", 0)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
