package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	ReadLimit  int64  `mapstructure:"read_limit"`
	Secret     string `mapstructure:"secret"`

	// TCPAddr is where the TCP transport listens.
	TCPAddr string `mapstructure:"tcp_addr"`
	// AdvertiseHost is the host other members dial us on.
	AdvertiseHost string   `mapstructure:"advertise_host"`
	DisplayName   string   `mapstructure:"display_name"`
	Bootstrap     []string `mapstructure:"bootstrap"`
	Transport     string   `mapstructure:"transport"`

	PingCadence       time.Duration `mapstructure:"ping_cadence"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	Staleness         time.Duration `mapstructure:"staleness"`
	EvictAfter        time.Duration `mapstructure:"evict_after"`
	StaleRounds       int           `mapstructure:"stale_rounds"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DedupWindow       int           `mapstructure:"dedup_window"`

	STUNServers     []string `mapstructure:"stun_servers"`
	IncludeLoopback bool     `mapstructure:"include_loopback"`

	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

// TransportKind is the initial active transport.
func (c *Config) TransportKind() (domain.TransportKind, error) {
	return domain.ParseTransportKind(c.Transport)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("secret", "shortgap-dev-secret")
	v.SetDefault("tcp_addr", ":7070")
	v.SetDefault("advertise_host", "127.0.0.1")
	v.SetDefault("bootstrap", []string{})
	v.SetDefault("transport", string(domain.TransportTCP))
	v.SetDefault("ping_cadence", "5m")
	v.SetDefault("probe_timeout", "3s")
	v.SetDefault("connect_timeout", "5s")
	v.SetDefault("staleness", "5m")
	v.SetDefault("evict_after", "15m")
	v.SetDefault("stale_rounds", 3)
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("dedup_window", 4096)
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("include_loopback", true)
	v.SetDefault("rate_limit", 20)
	v.SetDefault("rate_interval", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. SHORTGAP_
// environment variables override both.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("SHORTGAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("tcp", cfg.TCPAddr).Str("transport", cfg.Transport).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if _, err := c.TransportKind(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DisplayName != "" {
		if err := domain.ValidateDisplayName(c.DisplayName); err != nil {
			return fmt.Errorf("config: display_name: %w", err)
		}
	}
	if c.StaleRounds <= 0 {
		return fmt.Errorf("config: stale_rounds must be positive")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("config: rate_limit must be positive")
	}
	return nil
}
