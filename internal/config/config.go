package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"
)

const envPrefix = "LIVELOOK"

var (
	ErrNoJWTSecret   = errors.New("jwt.secret is required")
	ErrBadPortRange  = errors.New("media.rtc_min_port must be lower than media.rtc_max_port")
	ErrUnknownEngine = errors.New("unknown media engine")
)

type EngineKind string

const (
	LoopbackEngine EngineKind = "loopback"
	NATSEngine     EngineKind = "nats"
)

type Config struct {
	Address  string         `mapstructure:"address"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Media    MediaConfig    `mapstructure:"media"`
	Signal   SignalConfig   `mapstructure:"signal"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	RequireMeet bool   `mapstructure:"require_meet"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

type CodecSpec struct {
	Mime      string `mapstructure:"mime"`
	ClockRate uint32 `mapstructure:"clock_rate"`
	Channels  uint16 `mapstructure:"channels"`
	FmtpLine  string `mapstructure:"fmtp_line"`
}

type MediaConfig struct {
	Engine        EngineKind  `mapstructure:"engine"`
	NATSURL       string      `mapstructure:"nats_url"`
	SubjectPrefix string      `mapstructure:"subject_prefix"`
	Workers       int         `mapstructure:"workers"`
	RTCMinPort    uint16      `mapstructure:"rtc_min_port"`
	RTCMaxPort    uint16      `mapstructure:"rtc_max_port"`
	ListenIP      string      `mapstructure:"listen_ip"`
	AnnouncedIP   string      `mapstructure:"announced_ip"`
	Codecs        []CodecSpec `mapstructure:"codecs"`
}

type SignalConfig struct {
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	MaxMessageSize     int64         `mapstructure:"max_message_size"`
	MessagesPerSecond  float64       `mapstructure:"messages_per_second"`
	Burst              int           `mapstructure:"burst"`
	WriteBuffer        int           `mapstructure:"write_buffer"`
}

// DefaultCodecs mirrors the router codecs every browser client supports
var DefaultCodecs = []CodecSpec{
	{Mime: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	{Mime: webrtc.MimeTypeVP8, ClockRate: 90000, FmtpLine: "x-google-start-bitrate=1000"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8080")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.require_meet", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("media.engine", string(LoopbackEngine))
	v.SetDefault("media.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("media.subject_prefix", "mediasoup")
	v.SetDefault("media.workers", 0)
	v.SetDefault("media.rtc_min_port", 10000)
	v.SetDefault("media.rtc_max_port", 11000)
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "127.0.0.1")
	v.SetDefault("signal.negotiation_timeout", "15s")
	v.SetDefault("signal.max_message_size", 200*1024)
	v.SetDefault("signal.messages_per_second", 50)
	v.SetDefault("signal.burst", 100)
	v.SetDefault("signal.write_buffer", 256)
}

// Load reads the optional yaml file at path and applies LIVELOOK_* environment
// overrides, e.g. LIVELOOK_JWT_SECRET or LIVELOOK_MEDIA_ENGINE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Media.Codecs) == 0 {
		cfg.Media.Codecs = DefaultCodecs
	}
	if cfg.Media.Workers <= 0 {
		cfg.Media.Workers = runtime.NumCPU()
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return ErrNoJWTSecret
	}
	if c.Media.RTCMinPort >= c.Media.RTCMaxPort {
		return ErrBadPortRange
	}
	switch c.Media.Engine {
	case LoopbackEngine, NATSEngine:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Media.Engine)
	}

	return nil
}
