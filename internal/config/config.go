package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string        `mapstructure:"mode"`
	Port     int           `mapstructure:"port"`
	LogLevel string        `mapstructure:"log_level"`
	Signal   SignalConfig  `mapstructure:"signal"`
	Peer     PeerConfig    `mapstructure:"peer"`
	Monitor  MonitorConfig `mapstructure:"monitor"`
	Media    MediaConfig   `mapstructure:"media"`
}

type SignalConfig struct {
	URL          string        `mapstructure:"url"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type PeerConfig struct {
	ICEServers        []string      `mapstructure:"ice_servers"`
	ConnTimeout       time.Duration `mapstructure:"conn_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	LockCheckInterval time.Duration `mapstructure:"lock_check_interval"`
	Simulcast         bool          `mapstructure:"simulcast"`
	EnableAV1         bool          `mapstructure:"enable_av1"`
	DCSignaling       bool          `mapstructure:"dc_signaling"`
	PionLogLevel      string        `mapstructure:"pion_log_level"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type MediaConfig struct {
	// Loopback sends every received track back to the SFU.
	Loopback bool `mapstructure:"loopback"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("CALLPEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Signal.URL == "" {
		return nil, fmt.Errorf("signal.url is required")
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("signal", cfg.Signal.URL).
		Bool("av1", cfg.Peer.EnableAV1).
		Bool("simulcast", cfg.Peer.Simulcast).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.url", "ws://localhost:8045/ws")
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_interval", "1s")

	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.conn_timeout", "15s")
	v.SetDefault("peer.ping_interval", "1s")
	v.SetDefault("peer.lock_timeout", "5s")
	v.SetDefault("peer.lock_check_interval", "50ms")
	v.SetDefault("peer.simulcast", false)
	v.SetDefault("peer.enable_av1", false)
	v.SetDefault("peer.dc_signaling", true)
	v.SetDefault("peer.pion_log_level", "warn")

	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("media.loopback", false)
}
