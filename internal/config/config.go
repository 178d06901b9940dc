package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig `mapstructure:"log"`
	Database    DatabaseConfig
	Session     SessionConfig `mapstructure:"session"`
	Storage     StorageConfig
	Tracing     TracingConfig `mapstructure:"tracing"`
	Redis       RedisConfig
	CORS        CORSConfig        `mapstructure:"cors"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Access      AccessConfig      `mapstructure:"access"`
	Billing     BillingConfig     `mapstructure:"billing"`
	Certificate CertificateConfig `mapstructure:"certificate"`
	Backfill    BackfillConfig    `mapstructure:"backfill"`
	Events      EventsConfig      `mapstructure:"events"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
	BackfillOnly bool `mapstructure:"-"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests         int `mapstructure:"max_requests"`
	WindowMinutes       int `mapstructure:"window_minutes"`
	LoginMaxRequests    int `mapstructure:"login_max_requests"`
	CheckpointPerMinute int `mapstructure:"checkpoint_per_minute"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type LogConfig struct {
	// Level 为空时按 server.mode 决定
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

type DatabaseConfig struct {
	Driver    string `mapstructure:"driver"`
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
	// SQLitePath 仅在 driver=sqlite 时使用（本地开发/演示）
	SQLitePath string `mapstructure:"sqlite_path"`
}

type SessionConfig struct {
	Secret     string        `mapstructure:"secret"`
	CookieName string        `mapstructure:"cookie_name"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
	Secure     bool          `mapstructure:"secure"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	MinioUseSSL   bool   `mapstructure:"minio_use_ssl"`
	OSSEndpoint   string `mapstructure:"oss_endpoint"`
	OSSAccessKey  string `mapstructure:"oss_access_key"`
	OSSSecretKey  string `mapstructure:"oss_secret_key"`
	OSSBucket     string `mapstructure:"oss_bucket"`
}

type TracingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	CollectorEndpoint string  `mapstructure:"collector_endpoint"`
	SampleRatio       float64 `mapstructure:"sample_ratio"`
}

type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// Enabled Redis 为可选依赖，未配置 host 时不启用
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type AccessConfig struct {
	// 已结业学员是否仍可访问下架（未发布）课程
	AllowGraduatesOnUnpublished bool     `mapstructure:"allow_graduates_on_unpublished"`
	AdminBootstrapEmails        []string `mapstructure:"admin_bootstrap_emails"`
}

type BillingConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type CertificateConfig struct {
	NumberPrefix   string `mapstructure:"number_prefix"`
	VerifyBaseURL  string `mapstructure:"verify_base_url"`
	RenderArtifact bool   `mapstructure:"render_artifact"`
	// FontPath 证书渲染使用的 TTF 字体，为空时使用内置位图字体
	FontPath string `mapstructure:"font_path"`
}

type BackfillConfig struct {
	BatchSize   int `mapstructure:"batch_size"`
	Concurrency int `mapstructure:"concurrency"`
}

type EventsConfig struct {
	BufferSize   int    `mapstructure:"buffer_size"`
	Workers      int    `mapstructure:"workers"`
	RedisChannel string `mapstructure:"redis_channel"`
}

type SchedulerConfig struct {
	ExpirySpec  string `mapstructure:"expiry_spec"`
	CleanupSpec string `mapstructure:"cleanup_spec"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.console", true)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)
	v.SetDefault("database.sqlite_path", "data/course_access.db")
	v.SetDefault("session.cookie_name", "session")
	v.SetDefault("session.expire_hours", 72)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.dial_timeout", "3s")
	v.SetDefault("redis.op_timeout", "500ms")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "uploads")
	v.SetDefault("rate_limit.max_requests", 600)
	v.SetDefault("rate_limit.window_minutes", 1)
	v.SetDefault("rate_limit.login_max_requests", 10)
	v.SetDefault("rate_limit.checkpoint_per_minute", 120)
	v.SetDefault("certificate.number_prefix", "CA")
	v.SetDefault("certificate.verify_base_url", "http://localhost:8080/api/certificates/verify")
	v.SetDefault("certificate.render_artifact", true)
	v.SetDefault("backfill.batch_size", 200)
	v.SetDefault("backfill.concurrency", 4)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.workers", 4)
	v.SetDefault("events.redis_channel", "course-access-events")
	v.SetDefault("scheduler.expiry_spec", "*/10 * * * *")
	v.SetDefault("scheduler.cleanup_spec", "30 3 * * *")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("COURSE_ACCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Database
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// Session
	v.BindEnv("session.secret", "SESSION_SECRET")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("log.level", "LOG_LEVEL")

	// Billing
	v.BindEnv("billing.webhook_secret", "BILLING_WEBHOOK_SECRET")

	// Storage
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.oss_endpoint", "OSS_ENDPOINT")
	v.BindEnv("storage.oss_access_key", "OSS_ACCESS_KEY")
	v.BindEnv("storage.oss_secret_key", "OSS_SECRET_KEY")
	v.BindEnv("storage.oss_bucket", "OSS_BUCKET")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	// Access
	v.BindEnv("access.admin_bootstrap_emails", "ADMIN_BOOTSTRAP_EMAILS")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Session.ExpireTime = cfg.Session.ExpireTime * time.Hour
	cfg.Access.AdminBootstrapEmails = normalizeEmails(cfg.Access.AdminBootstrapEmails)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}

// Validate 校验配置的基本约束
func (c *Config) Validate() error {
	// 生产环境校验 session secret 强度
	if c.Server.Mode == "release" && len(c.Session.Secret) < 32 {
		return fmt.Errorf("session secret is too short (%d chars), must be at least 32 characters in release mode", len(c.Session.Secret))
	}
	if c.Backfill.BatchSize <= 0 || c.Backfill.BatchSize > 500 {
		return fmt.Errorf("backfill.batch_size must be within 1..500, got %d", c.Backfill.BatchSize)
	}
	if c.Backfill.Concurrency <= 0 {
		c.Backfill.Concurrency = 1
	}
	return nil
}

// 环境变量传入时是逗号分隔的单个字符串
func normalizeEmails(in []string) []string {
	var out []string
	for _, raw := range in {
		for _, e := range strings.Split(raw, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" {
				out = append(out, e)
			}
		}
	}
	return out
}
