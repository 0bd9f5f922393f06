// Package config loads the server's configuration via viper: a file plus
// BCHELECTRS_-prefixed environment overrides. Config loading is an external
// collaborator per spec.md §1 (interfaces only); this package just needs to
// expose every field the core components read.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the flat set of knobs every core component reads.
type Config struct {
	DBDir   string `mapstructure:"db_dir"`
	Network string `mapstructure:"network"`

	DaemonRPCURL      string `mapstructure:"daemon_rpc_url"`
	DaemonCookiePath  string `mapstructure:"daemon_cookie_path"`
	DaemonUser        string `mapstructure:"daemon_user"`
	DaemonPassword    string `mapstructure:"daemon_password"`
	DaemonBlocksDir   string `mapstructure:"daemon_blocks_dir"`

	BulkIndexThreads            int           `mapstructure:"bulk_index_threads"`
	IndexBatchSize              int           `mapstructure:"index_batch_size"`
	WaitDurationSecs            int           `mapstructure:"wait_duration_secs"`
	CashAccountActivationHeight uint32        `mapstructure:"cashaccount_activation_height"`
	ReorgDepthLimit             int           `mapstructure:"reorg_depth_limit"`

	RPCTimeout                     time.Duration `mapstructure:"rpc_timeout"`
	RPCBufferSize                  int           `mapstructure:"rpc_buffer_size"`
	RPCMaxConnections               int          `mapstructure:"rpc_max_connections"`
	RPCMaxConnectionsSharedPrefix    int          `mapstructure:"rpc_max_connections_shared_prefix"`
	ScripthashSubscriptionLimit     int          `mapstructure:"scripthash_subscription_limit"`
	ScripthashAliasBytesLimit       int          `mapstructure:"scripthash_alias_bytes_limit"`

	// TxIDLimit exists for configuration compatibility with older clients
	// only; per spec.md §9.2 it must have no runtime effect anywhere.
	TxIDLimit int `mapstructure:"txid_limit"`

	RPCBindAddr  string `mapstructure:"rpc_bind_addr"`
	RPCPort      int    `mapstructure:"rpc_port"`
	WSPort       int    `mapstructure:"ws_port"`
	MonitorAddr  string `mapstructure:"monitor_addr"`
	MonitorPort  int    `mapstructure:"monitor_port"`

	TxCacheBytes          int64 `mapstructure:"tx_cache_bytes"`
	BlockTxidsCacheBytes  int64 `mapstructure:"block_txids_cache_bytes"`
	StatusHashCacheCount  int   `mapstructure:"status_hash_cache_count"`
}

// Defaults mirror spec.md §6's stated network defaults and reasonable
// indexing knobs.
func Defaults() Config {
	return Config{
		DBDir:                       "./db",
		Network:                     "mainnet",
		BulkIndexThreads:            0, // 0 => logical CPU count, resolved by the indexer
		IndexBatchSize:              256,
		WaitDurationSecs:            10,
		CashAccountActivationHeight: 563720,
		ReorgDepthLimit:             1000,
		RPCTimeout:                  30 * time.Second,
		RPCBufferSize:               1024,
		RPCMaxConnections:           10000,
		RPCMaxConnectionsSharedPrefix: 20,
		ScripthashSubscriptionLimit: 10000,
		ScripthashAliasBytesLimit:   100000,
		RPCBindAddr:                 "0.0.0.0",
		RPCPort:                     50001,
		WSPort:                      50003,
		MonitorAddr:                 "127.0.0.1",
		MonitorPort:                 4224,
		TxCacheBytes:                250 << 20,
		BlockTxidsCacheBytes:        50 << 20,
		StatusHashCacheCount:        100000,
	}
}

// Load reads path (if non-empty) plus BCHELECTRS_ environment overrides on
// top of Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("BCHELECTRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so bind every field's
	// key to its environment variable explicitly.
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			if err := v.BindEnv(key); err != nil {
				return cfg, err
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
