// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Namespace NamespaceConfig `mapstructure:"namespace"`
	Seed      SeedConfig      `mapstructure:"seed"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// PublicURL 是本服务对外可访问的地址，本地存储后端用它拼接签名链接。
	PublicURL string `mapstructure:"public_url"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// StorageConfig 描述对象存储后端。
type StorageConfig struct {
	// DefaultProvider 是数据库中没有 storage_providers 记录时使用的后端名称。
	DefaultProvider     string        `mapstructure:"default_provider"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	// MaxAttempts / RetryBackoff 控制幂等存储操作遇到暂时故障时的重试。
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	// MinThroughput 是合并、校验等整对象操作假定的最低速率（字节/秒），超时按对象大小放宽。
	MinThroughput       int64         `mapstructure:"min_throughput"`
	Local               LocalConfig   `mapstructure:"local"`
	MinIO               MinIOConfig   `mapstructure:"minio"`
	S3                  S3Config      `mapstructure:"s3"`
}

// LocalConfig 本地磁盘存储配置。
type LocalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	RootDir string `mapstructure:"root_dir"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	// Region 设置后预签名无需访问服务端查询桶所在区域。
	Region string `mapstructure:"region"`
	// SkipBucketCheck 跳过启动时的桶存在检查与自动创建。
	SkipBucketCheck bool `mapstructure:"skip_bucket_check"`
}

// S3Config 存储 S3 兼容服务的配置。
type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BaseEndpoint    string `mapstructure:"base_endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// UploadConfig 控制上传会话的行为。
type UploadConfig struct {
	ChunkSize          int64         `mapstructure:"chunk_size"`
	MaxFileSize        int64         `mapstructure:"max_file_size"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	SignedURLExpiry    time.Duration `mapstructure:"signed_url_expiry"`
}

// QuotaConfig 将订阅等级映射为字节配额，-1 表示不限。
type QuotaConfig struct {
	DefaultTier string           `mapstructure:"default_tier"`
	Tiers       map[string]int64 `mapstructure:"tiers"`
}

// NamespaceConfig 控制目录树约束。
type NamespaceConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// SeedConfig 控制启动时从本地目录导入初始文件，Dir 为空时跳过。
type SeedConfig struct {
	Dir    string `mapstructure:"dir"`
	UserID uint   `mapstructure:"user_id"`
	Tier   string `mapstructure:"tier"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.public_url", "http://localhost:8081")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "vault-file-events")
	v.SetDefault("kafka.group_id", "vault-drive-go-consumer")
	v.SetDefault("storage.default_provider", "local")
	v.SetDefault("storage.operation_timeout", 30*time.Second)
	v.SetDefault("storage.health_check_interval", time.Minute)
	v.SetDefault("storage.max_attempts", 3)
	v.SetDefault("storage.retry_backoff", 200*time.Millisecond)
	v.SetDefault("storage.min_throughput", 8*1024*1024)
	v.SetDefault("storage.local.enabled", true)
	v.SetDefault("storage.local.root_dir", "./data/objects")
	v.SetDefault("upload.chunk_size", 5*1024*1024)
	v.SetDefault("upload.max_file_size", int64(10)*1024*1024*1024)
	v.SetDefault("upload.session_ttl", 24*time.Hour)
	v.SetDefault("upload.sweep_interval", 5*time.Minute)
	v.SetDefault("upload.completed_retention", 10*time.Minute)
	v.SetDefault("upload.signed_url_expiry", 15*time.Minute)
	v.SetDefault("quota.default_tier", "free")
	v.SetDefault("quota.tiers", map[string]int64{
		"free":       5 * 1024 * 1024 * 1024,
		"pro":        200 * 1024 * 1024 * 1024,
		"enterprise": -1,
	})
	v.SetDefault("namespace.max_depth", 20)
	v.SetDefault("seed.user_id", 1)
}

// Load 读取 YAML 配置文件并应用默认值与 VAULT_ 前缀的环境变量覆盖。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查配置之间的约束。
func (c Config) Validate() error {
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size 必须为正数")
	}
	if c.Upload.MaxFileSize < c.Upload.ChunkSize {
		return fmt.Errorf("upload.max_file_size (%d) 小于 chunk_size (%d)", c.Upload.MaxFileSize, c.Upload.ChunkSize)
	}
	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("upload.session_ttl 必须为正数")
	}
	if c.Namespace.MaxDepth <= 0 {
		return fmt.Errorf("namespace.max_depth 必须为正数")
	}
	if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
		return fmt.Errorf("quota.default_tier %q 未在 quota.tiers 中定义", c.Quota.DefaultTier)
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
