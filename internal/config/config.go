// Package config loads the drop server configuration from flags,
// environment and an optional YAML file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Storage       StorageConfig       `mapstructure:"storage"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Metadata      MetadataConfig      `mapstructure:"metadata"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	PublicURL string `mapstructure:"public_url"`
}

// StorageConfig holds blob placement settings. Sizes are human strings
// such as "50MiB"; Limits parses them.
type StorageConfig struct {
	TempDir         string        `mapstructure:"temp_dir"`
	MaxFileSize     string        `mapstructure:"max_file_size"`
	MaxRequestSize  string        `mapstructure:"max_request_size"`
	StreamThreshold string        `mapstructure:"stream_threshold"`
	PoolRatio       float64       `mapstructure:"pool_ratio"`
	ReservedMemory  string        `mapstructure:"reserved_memory"`
	PoolCapacity    string        `mapstructure:"pool_capacity"`
	BufferSize      string        `mapstructure:"buffer_size"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	OrphanGrace     time.Duration `mapstructure:"orphan_grace"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window"`
	Retention         time.Duration `mapstructure:"retention"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

type MetadataConfig struct {
	Backend       string            `mapstructure:"backend"`
	Config        map[string]string `mapstructure:"config"`
	ProbeInterval time.Duration     `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration     `mapstructure:"probe_timeout"`
	ProbeRetries  int               `mapstructure:"probe_retries"`
}

type ObservabilityConfig struct {
	LogLevel       string  `mapstructure:"log_level"`
	LogFormat      string  `mapstructure:"log_format"`
	MetricsAddr    string  `mapstructure:"metrics_addr"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string  `mapstructure:"otlp_protocol"`
	SampleRatio    float64 `mapstructure:"trace_sample_ratio"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
}

// DefaultDataDir returns ~/.drop, or .drop when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drop"
	}
	return filepath.Join(home, ".drop")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.public_url", "")

	v.SetDefault("storage.temp_dir", "")
	v.SetDefault("storage.max_file_size", "5GiB")
	v.SetDefault("storage.max_request_size", "10GiB")
	v.SetDefault("storage.stream_threshold", "50MiB")
	v.SetDefault("storage.pool_ratio", 0.5)
	v.SetDefault("storage.reserved_memory", "200MiB")
	v.SetDefault("storage.pool_capacity", "")
	v.SetDefault("storage.buffer_size", "64KiB")
	v.SetDefault("storage.default_ttl", "0s")
	v.SetDefault("storage.sweep_interval", "5m")
	v.SetDefault("storage.orphan_grace", "1h")

	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.retention", "1h")
	v.SetDefault("rate_limit.sweep_interval", "5m")

	v.SetDefault("metadata.backend", "sqlite")
	v.SetDefault("metadata.probe_interval", "10s")
	v.SetDefault("metadata.probe_timeout", "2s")
	v.SetDefault("metadata.probe_retries", 2)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "auto")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.service_name", "drop")
	v.SetDefault("observability.service_version", "dev")
}

// legacyEnv maps keys to the variable names older deployments set.
var legacyEnv = map[string]string{
	"storage.temp_dir":               "DROP_TEMP_DIR",
	"http.addr":                      "DROP_BIND_ADDRESS",
	"storage.pool_ratio":             "DROP_MEMORY_POOL_RATIO",
	"rate_limit.requests_per_minute": "DROP_RATE_LIMIT_RPM",
}

// urlEnv names the variable consulted for a backend's url when none is configured.
var urlEnv = map[string]string{
	"postgres": "DATABASE_URL",
	"redis":    "REDIS_URL",
}

// BindServeFlags binds cobra flags to viper for the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.drop)")
	f.String("addr", "", "HTTP listen address")
	f.String("public-url", "", "base URL used in upload responses")
	f.String("config", "", "config file path")
	f.String("temp-dir", "", "directory for on-disk blobs (default <data-dir>/temp)")
	f.String("max-file-size", "", "largest accepted upload (e.g. 5GiB)")
	f.String("metadata-backend", "", "metadata backend (sqlite, postgres, redis, memory)")
	f.Int("rate-limit", 0, "uploads per client per minute (0 disables)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text, auto)")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("http.addr", f.Lookup("addr"))
	_ = v.BindPFlag("http.public_url", f.Lookup("public-url"))
	_ = v.BindPFlag("storage.temp_dir", f.Lookup("temp-dir"))
	_ = v.BindPFlag("storage.max_file_size", f.Lookup("max-file-size"))
	_ = v.BindPFlag("metadata.backend", f.Lookup("metadata-backend"))
	_ = v.BindPFlag("rate_limit.requests_per_minute", f.Lookup("rate-limit"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged and
// validated Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("DROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "DROP_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("drop")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.drop")
		v.AddConfigPath("/etc/drop")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnvURL()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvURL() {
	env, ok := urlEnv[c.Metadata.Backend]
	if !ok || c.Metadata.Config["url"] != "" {
		return
	}
	if url := os.Getenv(env); url != "" {
		if c.Metadata.Config == nil {
			c.Metadata.Config = map[string]string{}
		}
		c.Metadata.Config["url"] = url
	}
}

// TempDir returns the blob directory, defaulting to <data_dir>/temp.
func (c Config) TempDir() string {
	if c.Storage.TempDir != "" {
		return c.Storage.TempDir
	}
	return filepath.Join(c.DataDir, "temp")
}

// BackendConfig returns the metadata backend map. The sqlite database
// lives under data_dir unless a path is configured.
func (c Config) BackendConfig() map[string]string {
	out := make(map[string]string, len(c.Metadata.Config)+1)
	for k, v := range c.Metadata.Config {
		out[k] = v
	}
	if c.Metadata.Backend == "sqlite" && out["path"] == "" {
		out["path"] = filepath.Join(c.DataDir, "metadata.db")
	}
	return out
}
