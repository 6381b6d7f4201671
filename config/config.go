package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration, read once at startup from a TOML
// file and kept as an immutable snapshot afterwards.
type Config struct {
	Server  Server  `mapstructure:"server"`
	Channel Channel `mapstructure:"channel"`
	Store   Store   `mapstructure:"store"`
}

type Server struct {
	LogLevel string `mapstructure:"log_level"`

	// MetricsInet is the optional Prometheus exposition listener; empty
	// disables the endpoint.
	MetricsInet string `mapstructure:"metrics_inet"`
}

type Channel struct {
	Inet         string        `mapstructure:"inet"`
	TCPTimeout   uint64        `mapstructure:"tcp_timeout"`
	AuthPassword string        `mapstructure:"auth_password"`
	Search       ChannelSearch `mapstructure:"search"`
}

type ChannelSearch struct {
	QueryLimitDefault   uint16 `mapstructure:"query_limit_default"`
	QueryLimitMaximum   uint16 `mapstructure:"query_limit_maximum"`
	QueryAlternatesTry  int    `mapstructure:"query_alternates_try"`
	SuggestLimitDefault uint16 `mapstructure:"suggest_limit_default"`
	SuggestLimitMaximum uint16 `mapstructure:"suggest_limit_maximum"`
	ListLimitDefault    uint16 `mapstructure:"list_limit_default"`
	ListLimitMaximum    uint16 `mapstructure:"list_limit_maximum"`
}

type Store struct {
	KV  KV  `mapstructure:"kv"`
	FST FST `mapstructure:"fst"`
}

type KV struct {
	Path              string     `mapstructure:"path"`
	RetainWordObjects int        `mapstructure:"retain_word_objects"`
	Pool              KVPool     `mapstructure:"pool"`
	Database          KVDatabase `mapstructure:"database"`
}

type KVPool struct {
	InactiveAfter uint64 `mapstructure:"inactive_after"`
}

type KVDatabase struct {
	FlushAfter     uint64 `mapstructure:"flush_after"`
	Compress       bool   `mapstructure:"compress"`
	Parallelism    int    `mapstructure:"parallelism"`
	MaxFiles       int    `mapstructure:"max_files"`
	MaxCompactions int    `mapstructure:"max_compactions"`
	MaxFlushes     int    `mapstructure:"max_flushes"`
	WriteBufferKB  int    `mapstructure:"write_buffer"`
	WriteAheadLog  bool   `mapstructure:"write_ahead_log"`
}

type FST struct {
	Path  string   `mapstructure:"path"`
	Pool  FSTPool  `mapstructure:"pool"`
	Graph FSTGraph `mapstructure:"graph"`
}

type FSTPool struct {
	InactiveAfter uint64 `mapstructure:"inactive_after"`
}

type FSTGraph struct {
	ConsolidateAfter uint64 `mapstructure:"consolidate_after"`
	MaxSize          int64  `mapstructure:"max_size"`
	MaxWords         int    `mapstructure:"max_words"`
}

var envVarRe = regexp.MustCompile(`\$\{env\.([A-Za-z0-9_]+)\}`)

// substituteEnv replaces ${env.NAME} placeholders with the value of the
// corresponding environment variable. A missing variable fails the load.
func substituteEnv(raw []byte) ([]byte, error) {
	var missing string

	out := envVarRe.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(envVarRe.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok && missing == "" {
			missing = name
		}
		return []byte(value)
	})

	if missing != "" {
		return nil, fmt.Errorf("environment variable not set: %s", missing)
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "error")
	v.SetDefault("server.metrics_inet", "")

	v.SetDefault("channel.inet", "[::1]:1491")
	v.SetDefault("channel.tcp_timeout", 300)
	v.SetDefault("channel.search.query_limit_default", 10)
	v.SetDefault("channel.search.query_limit_maximum", 100)
	v.SetDefault("channel.search.query_alternates_try", 4)
	v.SetDefault("channel.search.suggest_limit_default", 5)
	v.SetDefault("channel.search.suggest_limit_maximum", 20)
	v.SetDefault("channel.search.list_limit_default", 100)
	v.SetDefault("channel.search.list_limit_maximum", 500)

	v.SetDefault("store.kv.path", "./data/store/kv/")
	v.SetDefault("store.kv.retain_word_objects", 1000)
	v.SetDefault("store.kv.pool.inactive_after", 1800)
	v.SetDefault("store.kv.database.flush_after", 900)
	v.SetDefault("store.kv.database.compress", true)
	v.SetDefault("store.kv.database.parallelism", 2)
	v.SetDefault("store.kv.database.max_files", 0)
	v.SetDefault("store.kv.database.max_compactions", 1)
	v.SetDefault("store.kv.database.max_flushes", 1)
	v.SetDefault("store.kv.database.write_buffer", 16384)
	v.SetDefault("store.kv.database.write_ahead_log", true)

	v.SetDefault("store.fst.path", "./data/store/fst/")
	v.SetDefault("store.fst.pool.inactive_after", 300)
	v.SetDefault("store.fst.graph.consolidate_after", 180)
	v.SetDefault("store.fst.graph.max_size", 2048)
	v.SetDefault("store.fst.graph.max_words", 250000)
}

// Load reads, substitutes and decodes the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	substituted, err := substituteEnv(raw)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadConfig(bytes.NewReader(substituted)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, used by tests
// and by components that are exercised without a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
