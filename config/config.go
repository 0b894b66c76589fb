package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	ETCD       ETCDConfig       `mapstructure:"etcd"`
	Lock       LockConfig       `mapstructure:"lock"`
	GraphQL    GraphQLConfig    `mapstructure:"graphql"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Log        LogConfig        `mapstructure:"log"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 选择关系存储: mysql 或 sqlite
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ResultTTL   time.Duration `mapstructure:"result_ttl"`
	BalanceTTL  time.Duration `mapstructure:"balance_ttl"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	NotificationTopic string   `mapstructure:"notification_topic"`
	CommandTopic      string   `mapstructure:"command_topic"`
	GroupID           string   `mapstructure:"group_id"`
	Workers           int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// LockConfig 分布式锁配置，backend 取值 etcd / redis / none
type LockConfig struct {
	Backend    string        `mapstructure:"backend"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type SettlementConfig struct {
	Workers       int           `mapstructure:"workers"`
	RetryMaxTries int           `mapstructure:"retry_max_tries"`
	SweepEnabled  bool          `mapstructure:"sweep_enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type OutboxConfig struct {
	RelayInterval time.Duration `mapstructure:"relay_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

var AppConfig Config

// setDefaults 默认值，配置文件与环境变量可以覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("sqlite.path", "realpick.db")
	v.SetDefault("sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.result_ttl", 10*time.Minute)
	v.SetDefault("redis.balance_ttl", time.Hour)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.notification_topic", "realpick.mission.settled")
	v.SetDefault("kafka.command_topic", "realpick.settlement.commands")
	v.SetDefault("kafka.group_id", "realpick-settlement")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)
	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.timeout", 5*time.Second)
	v.SetDefault("lock.retry_count", 3)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("settlement.workers", 8)
	v.SetDefault("settlement.retry_max_tries", 3)
	v.SetDefault("settlement.sweep_enabled", true)
	v.SetDefault("settlement.sweep_interval", time.Minute)
	v.SetDefault("outbox.relay_interval", 2*time.Second)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.service_name", "realpick")
}

// LoadConfig 加载配置文件，.env 与 REALPICK_ 前缀的环境变量优先级高于文件
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取.env文件失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("REALPICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 检查互相依赖的配置项
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.MySQL.Master == "" {
			return fmt.Errorf("mysql.master 不能为空")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path 不能为空")
		}
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}

	switch c.Lock.Backend {
	case "none":
	case "etcd":
		if len(c.ETCD.Endpoints) == 0 {
			return fmt.Errorf("lock.backend=etcd 时 etcd.endpoints 不能为空")
		}
	case "redis":
		if len(c.Redis.LockAddresses) == 0 {
			return fmt.Errorf("lock.backend=redis 时 redis.lock_addresses 不能为空")
		}
	default:
		return fmt.Errorf("不支持的分布式锁类型: %s", c.Lock.Backend)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.enabled 时 kafka.brokers 不能为空")
	}
	if c.Settlement.Workers <= 0 {
		return fmt.Errorf("settlement.workers 必须大于0")
	}
	return nil
}
