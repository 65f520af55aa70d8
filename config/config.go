package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Security  SecurityConfig  `mapstructure:"security"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Presence  PresenceConfig  `mapstructure:"presence"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
	// AdminIPs restricts admin routes to these IPs or CIDRs when non-empty.
	AdminIPs []string `mapstructure:"admin_ips"`
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
	// WSRateLimitRPS bounds inbound envelopes per live session.
	WSRateLimitRPS   float64 `mapstructure:"ws_rate_limit_rps"`
	WSRateLimitBurst int     `mapstructure:"ws_rate_limit_burst"`
	// AllowedOrigins lists the WebSocket origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StorageConfig selects where thumbnails are written.
type StorageConfig struct {
	Mode      string `mapstructure:"mode"` // local | minio
	LocalDir  string `mapstructure:"local_dir"`
	PublicURL string `mapstructure:"public_url"` // prefix prepended to object keys in profiles

	MinIOEndpoint  string `mapstructure:"minio_endpoint"`
	MinIOAccessKey string `mapstructure:"minio_access_key"`
	MinIOSecretKey string `mapstructure:"minio_secret_key"`
	MinIOBucket    string `mapstructure:"minio_bucket"`
	MinIOUseSSL    bool   `mapstructure:"minio_use_ssl"`
}

type ThumbnailConfig struct {
	MaxWidth  int `mapstructure:"max_width"`
	MaxHeight int `mapstructure:"max_height"`
	Quality   int `mapstructure:"quality"`
	Workers   int `mapstructure:"workers"`
}

type ChatConfig struct {
	MaxMessageLen        int    `mapstructure:"max_message_len"`
	NewConnectionPreview string `mapstructure:"new_connection_preview"`
}

type PresenceConfig struct {
	NodeID       string        `mapstructure:"node_id"` // generated when empty
	RelayChannel string        `mapstructure:"relay_channel"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	ReportEvery  time.Duration `mapstructure:"report_every"`
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/relaychat.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.ws_rate_limit_rps", 20)
	v.SetDefault("security.ws_rate_limit_burst", 40)
	v.SetDefault("storage.mode", "local")
	v.SetDefault("storage.local_dir", "./data/media")
	v.SetDefault("storage.public_url", "/media")
	v.SetDefault("storage.minio_bucket", "thumbnails")
	v.SetDefault("thumbnail.max_width", 400)
	v.SetDefault("thumbnail.max_height", 400)
	v.SetDefault("thumbnail.quality", 100)
	v.SetDefault("thumbnail.workers", 4)
	v.SetDefault("chat.max_message_len", 2000)
	v.SetDefault("chat.new_connection_preview", "New connection")
	v.SetDefault("presence.relay_channel", "relay:broadcast")
	v.SetDefault("presence.send_buffer", 256)
	v.SetDefault("presence.report_every", "5m")
}
