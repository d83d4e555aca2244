package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Session  SessionConfig  `mapstructure:"session"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port  int  `mapstructure:"port"`
	Debug bool `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AdminIPs restricts /api/admin to these client IPs. Empty allows any IP.
	AdminIPs      []string `mapstructure:"admin_ips"`
	AdminEmail    string   `mapstructure:"admin_email"`
	AdminPassword string   `mapstructure:"admin_password"`
}

// SessionConfig tunes the per-owner session actors.
type SessionConfig struct {
	BroadcastBatch int           `mapstructure:"broadcast_batch"`
	InboxSize      int           `mapstructure:"inbox_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	// SeedCharacters is written to storage the first time an owner's session
	// starts with nothing persisted. Empty means DefaultSeed.
	SeedCharacters []SeedCharacter `mapstructure:"seed_characters"`
}

type SeedCharacter struct {
	ID       string  `mapstructure:"id"`
	X        float64 `mapstructure:"x"`
	Y        float64 `mapstructure:"y"`
	Z        float64 `mapstructure:"z"`
	Rotation float64 `mapstructure:"rotation"`
	IsActive bool    `mapstructure:"is_active"`
}

type LogConfig struct {
	SinkEnabled bool          `mapstructure:"sink_enabled"`
	Retention   time.Duration `mapstructure:"retention"`
}

// DefaultSeed is the character set a brand-new session starts with.
func DefaultSeed() []SeedCharacter {
	return []SeedCharacter{
		{ID: "char1"},
		{ID: "char2", X: 10, Y: 5, Rotation: 45},
	}
}

// Load reads config from the given YAML file path.
// Every key can be overridden from the environment, e.g. ANIMSESSION_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("animsession")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/animsession.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("session.broadcast_batch", 50)
	v.SetDefault("session.inbox_size", 256)
	v.SetDefault("session.idle_timeout", "10m")
	v.SetDefault("session.reap_interval", "1m")
	v.SetDefault("log.sink_enabled", true)
	v.SetDefault("log.retention", "168h")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Session.SeedCharacters) == 0 {
		cfg.Session.SeedCharacters = DefaultSeed()
	}
	return cfg, nil
}
