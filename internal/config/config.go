// Package config loads runtime configuration from an optional config file
// and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTP configures the gateway listener.
type HTTP struct {
	Addr string `mapstructure:"addr"`
}

// Overlay configures the peer overlay.
type Overlay struct {
	// Addr is the TCP listen address for peer transport sessions.
	Addr string `mapstructure:"addr"`
	// AnnouncePort is the UDP port used for local-subnet announce/listen.
	// Zero disables local discovery.
	AnnouncePort int `mapstructure:"announce_port"`
	// Bootstrap lists wide-area peer addresses dialed at startup.
	Bootstrap []string `mapstructure:"bootstrap"`
	// AnnounceInterval is the local announce period.
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	// PublishRate caps outbound gossip publications per second.
	PublishRate float64 `mapstructure:"publish_rate"`
	// IdentitySeed is an optional hex-encoded 32-byte identity seed. When
	// empty a fresh identity is generated at startup.
	IdentitySeed string `mapstructure:"identity_seed"`
}

// Sandbox configures execution limits for lapp modules.
type Sandbox struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxPayloadSize int           `mapstructure:"max_payload_size"`
	MaxCallStack   int           `mapstructure:"max_call_stack"`
}

// Sync configures the sync bridge retention buffer for lapps that are not
// running when a gossip message arrives.
type Sync struct {
	RetentionCount  int           `mapstructure:"retention_count"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// Config is the full runtime configuration.
type Config struct {
	DataDir string  `mapstructure:"data_dir"`
	HTTP    HTTP    `mapstructure:"http"`
	Overlay Overlay `mapstructure:"overlay"`
	Sandbox Sandbox `mapstructure:"sandbox"`
	Sync    Sync    `mapstructure:"sync"`
}

// Load reads configuration from path (optional) with environment overrides
// under the LAPPHOST_ prefix, applying defaults for anything unset.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LAPPHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("overlay.addr", ":9470")
	v.SetDefault("overlay.announce_port", 9471)
	v.SetDefault("overlay.announce_interval", 15*time.Second)
	v.SetDefault("overlay.publish_rate", 200.0)
	v.SetDefault("sandbox.call_timeout", 5*time.Second)
	v.SetDefault("sandbox.max_payload_size", 1<<20)
	v.SetDefault("sandbox.max_call_stack", 4096)
	v.SetDefault("sync.retention_count", 256)
	v.SetDefault("sync.retention_window", 10*time.Minute)
}
