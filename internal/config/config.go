package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/collab-harness/internal/app"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DefaultReadLimit caps one inbound frame. A larger frame is a transport
// error: the peer gets close 1009, unlike a malformed payload which is
// logged and skipped.
const DefaultReadLimit int64 = 1 << 20

type Config struct {
	Mode            string              `mapstructure:"mode"`
	Host            string              `mapstructure:"host"`
	Port            int                 `mapstructure:"port"`
	ReadLimit       int64               `mapstructure:"read_limit"`
	SendQueue       int                 `mapstructure:"send_queue"`
	ProcessingDelay time.Duration       `mapstructure:"processing_delay"`
	Backpressure    string              `mapstructure:"backpressure"`
	RateLimit       float64             `mapstructure:"rate_limit"`
	RateBurst       int                 `mapstructure:"rate_burst"`
	Seed            uint64              `mapstructure:"seed"`
	Heartbeat       app.HeartbeatConfig `mapstructure:"heartbeat"`
	Faults          app.FaultProfile    `mapstructure:"faults"`
}

// Addr is the listen address. Port 0 picks a free port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) after loading
// .env. COLLAB_* environment variables override file values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Str("module", "config").Msg("loaded .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load for an explicit file. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Faults = cfg.Faults.Clamped()
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

// Default returns the built-in defaults without consulting files or the
// environment. In-process servers start from it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	hb := app.DefaultHeartbeatConfig()

	v.SetDefault("mode", "release")
	v.SetDefault("host", "")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", DefaultReadLimit)
	v.SetDefault("send_queue", 256)
	v.SetDefault("processing_delay", app.DefaultProcessingDelay.String())
	v.SetDefault("backpressure", "drop")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_burst", 0)
	v.SetDefault("seed", 0)
	v.SetDefault("heartbeat.interval", hb.Interval.String())
	v.SetDefault("heartbeat.probe_after", hb.ProbeAfter.String())
	v.SetDefault("heartbeat.evict_after", hb.EvictAfter.String())
	v.SetDefault("faults.latency_ms", 0)
	v.SetDefault("faults.packet_loss_rate", 0.0)
	v.SetDefault("faults.connection_failure_rate", 0.0)
}
