// Package config centralizes the viper-backed configuration structs for
// the node and coordinator binaries: layered configuration with flags
// taking precedence over environment variables, then an optional YAML
// file, then defaults.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Node is the configuration surface for cmd/node.
type Node struct {
	// Addr is the HTTP listen address for this node's data/read endpoints.
	Addr string `mapstructure:"addr"`
	// CoordinatorAddr is loaded from the coordinator_addr key. cmd/node
	// registers with the address in the required COORDINATOR_ADDR
	// environment variable instead and does not use this value.
	CoordinatorAddr string `mapstructure:"coordinator_addr"`
	// PublicAddr is the address this node advertises to the coordinator
	// for data/read routing, which may differ from Addr behind a NAT.
	PublicAddr string `mapstructure:"public_addr"`
	// ShardID is loaded from the shard_id key. cmd/node does not read it:
	// a node creates each shard on demand when a request first names it.
	ShardID int `mapstructure:"shard_id"`
	// Primary is loaded from the primary key. cmd/node does not read it:
	// shards it creates on demand are always primaries.
	Primary bool `mapstructure:"primary"`
	// LogLevel controls the zap logger's level ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level"`
}

// Coordinator is the configuration surface for cmd/coordinator.
type Coordinator struct {
	Addr                string        `mapstructure:"addr"`
	NumShards           int           `mapstructure:"num_shards"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	LogLevel            string        `mapstructure:"log_level"`
	// HRQResourceTreeFile, if set, names a YAML file (gopkg.in/yaml.v3)
	// whose resource entries are applied as overrides on top of the tree
	// the coordinator builds at startup. A missing file means no overrides.
	HRQResourceTreeFile string `mapstructure:"hrq_resource_tree_file"`
	// CoordinatorIDs is the fixed pool DomainCoordinators selects from.
	CoordinatorIDs []int `mapstructure:"coordinator_ids"`
}

// NewViper builds a viper.Viper that reads RIDGE_-prefixed environment
// variables, an optional YAML config file (a missing file is not an
// error), and the supplied flag set. A key resolves from flags first, then
// the environment, then the file, then defaults.
func NewViper(flags *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("ridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// LoadNode populates defaults and unmarshals into a Node. Flags are bound
// by NewViper, not here.
func LoadNode(v *viper.Viper) (Node, error) {
	v.SetDefault("addr", ":8081")
	v.SetDefault("coordinator_addr", "http://localhost:8080")
	v.SetDefault("public_addr", "http://127.0.0.1:8081")
	v.SetDefault("shard_id", 0)
	v.SetDefault("primary", true)
	v.SetDefault("log_level", "info")

	var cfg Node
	if err := v.Unmarshal(&cfg); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

// LoadCoordinator populates defaults and unmarshals into a Coordinator.
// Flags are bound by NewViper, not here.
func LoadCoordinator(v *viper.Viper) (Coordinator, error) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("num_shards", 4)
	v.SetDefault("health_check_interval", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("hrq_resource_tree_file", "")
	v.SetDefault("coordinator_ids", []int{1})

	var cfg Coordinator
	if err := v.Unmarshal(&cfg); err != nil {
		return Coordinator{}, err
	}
	return cfg, nil
}
