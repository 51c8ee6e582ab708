package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Redis       RedisConfig
	Chat        ChatConfig        `mapstructure:"chat"`
	Moderation  ModerationConfig  `mapstructure:"moderation"`
	Push        PushConfig        `mapstructure:"push"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	CORS        CORSConfig        `mapstructure:"cors"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"` // 强制执行数据库迁移
	MigrateOnly  bool `mapstructure:"-"` // 仅迁移模式（迁移后退出）
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type ChatConfig struct {
	MasterKey            string        `mapstructure:"master_key"` // 会话密钥派生的根密钥
	MaxGroupParticipants int           `mapstructure:"max_group_participants"`
	TypingExpiry         time.Duration `mapstructure:"typing_expiry_seconds"`
	HistoryPageSize      int           `mapstructure:"history_page_size"`
}

// ModerationConfig 各类内容的处理策略: block(拒发) / mask(打码放行)
type ModerationConfig struct {
	ProfanityPolicy   string   `mapstructure:"profanity_policy"`
	PhonePolicy       string   `mapstructure:"phone_policy"`
	EmailPolicy       string   `mapstructure:"email_policy"`
	PhoneCountryCodes []string `mapstructure:"phone_country_codes"`
}

type PushConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout_seconds"`
	QueueSize        int           `mapstructure:"queue_size"`
	Workers          int           `mapstructure:"workers"`
}

type MaintenanceConfig struct {
	ArchiveAfterDays  int `mapstructure:"archive_after_days"`
	PurgeLogAfterDays int `mapstructure:"purge_log_after_days"`
	IntervalMinutes   int `mapstructure:"interval_minutes"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SCHOOL_IM")
	viper.AutomaticEnv()

	// Database
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	viper.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	viper.BindEnv("server.mode", "SERVER_MODE")

	// Chat
	viper.BindEnv("chat.master_key", "CHAT_MASTER_KEY")

	// Tracing
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour
	cfg.Chat.TypingExpiry = cfg.Chat.TypingExpiry * time.Second
	cfg.Push.RequestTimeout = cfg.Push.RequestTimeout * time.Second

	if cfg.Chat.MaxGroupParticipants <= 0 {
		cfg.Chat.MaxGroupParticipants = 200
	}
	if cfg.Chat.TypingExpiry <= 0 {
		cfg.Chat.TypingExpiry = 10 * time.Second
	}
	if cfg.Chat.HistoryPageSize <= 0 {
		cfg.Chat.HistoryPageSize = 20
	}
	if cfg.Push.FailureThreshold <= 0 {
		cfg.Push.FailureThreshold = 5
	}
	if cfg.Push.QueueSize <= 0 {
		cfg.Push.QueueSize = 1024
	}
	if cfg.Push.Workers <= 0 {
		cfg.Push.Workers = 4
	}

	// 生产环境校验密钥强度
	if cfg.Server.Mode == "release" {
		if len(cfg.JWT.Secret) < 32 {
			return nil, fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(cfg.JWT.Secret))
		}
		if len(cfg.Chat.MasterKey) < 32 {
			return nil, fmt.Errorf("chat master key is too short (%d chars), must be at least 32 characters in release mode", len(cfg.Chat.MasterKey))
		}
	}

	return &cfg, nil
}
