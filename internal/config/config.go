// Package config holds the network-server configuration, loaded through
// viper from a TOML file, environment variables and CLI flags, the same
// way the teacher's own configuration package is wired up.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RegionConfig configures a single active region.
type RegionConfig struct {
	// ID is the region_config_id referenced by DeviceSession.RegionConfigID.
	ID string `mapstructure:"id"`

	// Band is one of the band.Name values understood by
	// github.com/brocaar/lorawan/band (EU868, US915, AU915, AS923, ...).
	Band string `mapstructure:"band"`

	// RepeaterCompatible and DwellTime400ms mirror band.GetConfig's
	// arguments.
	RepeaterCompatible bool `mapstructure:"repeater_compatible"`
	DwellTime400ms     bool `mapstructure:"dwell_time_400ms"`

	// ExtraChannels are additional uplink channels to register with the
	// band (frequency, min-dr, max-dr), used for the CFList/NewChannelReq
	// test fixtures.
	ExtraChannels []ExtraChannel `mapstructure:"extra_channels"`

	// Gateway backend configuration for this region.
	Gateway GatewayBackendConfig `mapstructure:"gateway"`
}

// ExtraChannel is a single user-defined uplink channel.
type ExtraChannel struct {
	Frequency int `mapstructure:"frequency"`
	MinDR     int `mapstructure:"min_dr"`
	MaxDR     int `mapstructure:"max_dr"`
}

// GatewayBackendConfig configures how the region talks to gateways.
type GatewayBackendConfig struct {
	// Backend selects the gateway backend; only "mqtt" (also used when
	// empty) is supported.
	Backend string `mapstructure:"backend"`

	MQTT MQTTBackendConfig `mapstructure:"mqtt"`
	GRPC GRPCBackendConfig `mapstructure:"grpc"`
}

// MQTTBackendConfig configures the MQTT gateway bridge backend.
type MQTTBackendConfig struct {
	Server               string `mapstructure:"server"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	EventTopicTemplate   string `mapstructure:"event_topic_template"`
	CommandTopicTemplate string `mapstructure:"command_topic_template"`
}

// GRPCBackendConfig configures a packet-forwarder bridge reached over gRPC.
type GRPCBackendConfig struct {
	Server      string `mapstructure:"server"`
	TLSCert     string `mapstructure:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key"`
	CACert      string `mapstructure:"ca_cert"`
}

// SchedulerConfig groups the scheduling durations from spec §5.
type SchedulerConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	ClassAKLockDuration  time.Duration `mapstructure:"class_a_lock_duration"`
	ClassCLockDuration   time.Duration `mapstructure:"class_c_lock_duration"`
	SchedulerBatchSize   int           `mapstructure:"batch_size"`
}

// NetworkServerConfig groups the NS-wide tunables named throughout spec.md.
type NetworkServerConfig struct {
	NetID                    string        `mapstructure:"net_id"`
	DeduplicationDelay       time.Duration `mapstructure:"deduplication_delay"`
	DownlinkDataDelay        time.Duration `mapstructure:"get_downlink_data_delay"`
	DeviceSessionTTL         time.Duration `mapstructure:"device_session_ttl"`
	DeviceLockTTL            time.Duration `mapstructure:"device_lock_ttl"`
	GatewayPreferMinMargin   bool          `mapstructure:"gateway_prefer_min_margin"`
	RX2PreferOnRX1DRLt       int           `mapstructure:"rx2_prefer_on_rx1_dr_lt"`
	RX2PreferOnLinkBudget    bool          `mapstructure:"rx2_prefer_on_link_budget"`
	InstallationMargin       float64       `mapstructure:"installation_margin"`
	RejoinParamSetupEnabled  bool          `mapstructure:"rejoin_param_setup_enabled"`
	RejoinMaxCountN          int           `mapstructure:"rejoin_max_count_n"`
	RejoinMaxTimeN           int           `mapstructure:"rejoin_max_time_n"`
	DeviceStatusReqInterval  float64       `mapstructure:"device_status_req_interval"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Regions   []RegionConfig  `mapstructure:"regions"`
}

// PostgreSQLConfig configures the storage façade's relational backend.
type PostgreSQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxOpenConn int    `mapstructure:"max_open_connections"`
	MaxIdleConn int    `mapstructure:"max_idle_connections"`
}

// RedisConfig configures the ephemeral state store (spec §5).
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// IntegrationConfig configures the default fan-out sinks (spec §4.E).
type IntegrationConfig struct {
	Marshaler      string               `mapstructure:"marshaler"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	MQTT           MQTTIntegrationConfig `mapstructure:"mqtt"`
	HTTP           HTTPIntegrationConfig `mapstructure:"http"`
	InfluxDB       InfluxDBConfig        `mapstructure:"influxdb"`
}

// MQTTIntegrationConfig configures the MQTT integration sink.
type MQTTIntegrationConfig struct {
	Server             string `mapstructure:"server"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	EventTopicTemplate string `mapstructure:"event_topic_template"`
}

// HTTPIntegrationConfig configures the HTTP-webhook integration sink.
type HTTPIntegrationConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
}

// InfluxDBConfig configures the time-series integration sink.
type InfluxDBConfig struct {
	Version      int    `mapstructure:"version"`
	Endpoint     string `mapstructure:"endpoint"`
	Token        string `mapstructure:"token"`
	Organization string `mapstructure:"organization"`
	Bucket       string `mapstructure:"bucket"`
	DB           string `mapstructure:"db"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	RetentionPolicy string `mapstructure:"retention_policy"`
	Precision    string `mapstructure:"precision"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the root configuration object.
type Config struct {
	General struct {
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"general"`

	PostgreSQL    PostgreSQLConfig    `mapstructure:"postgresql"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NetworkServer NetworkServerConfig `mapstructure:"network_server"`
	Integration   IntegrationConfig   `mapstructure:"integration"`
}

// C is the global, process-wide configuration, populated by Load / Setup.
var C Config

// Load reads configuration from CONFIG_DIR (or the given path), environment
// variables (prefixed CHIRPSTACK_NS_) and sane defaults, the same search
// order the teacher's CLI uses.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("chirpstack-network-server")
	v.SetConfigType("toml")

	if path != "" {
		v.AddConfigPath(path)
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chirpstack-network-server")

	v.SetEnvPrefix("CHIRPSTACK_NS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}

	C = c
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network_server.deduplication_delay", 200*time.Millisecond)
	v.SetDefault("network_server.get_downlink_data_delay", time.Second)
	v.SetDefault("network_server.device_session_ttl", 31*24*time.Hour)
	v.SetDefault("network_server.device_lock_ttl", 5*time.Second)
	v.SetDefault("network_server.installation_margin", 10.0)
	v.SetDefault("network_server.scheduler.interval", time.Second)
	v.SetDefault("network_server.scheduler.class_a_lock_duration", 5*time.Second)
	v.SetDefault("network_server.scheduler.class_c_lock_duration", 5*time.Second)
	v.SetDefault("network_server.scheduler.batch_size", 100)
	v.SetDefault("integration.timeout", 5*time.Second)
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("postgresql.dsn", "postgres://localhost/chirpstack_ns?sslmode=disable")
}
