package connector

import (
	"fmt"
	"time"
)

// KafkaConfig Kafka 连接配置
type KafkaConfig struct {
	Name           string        `mapstructure:"name"`            // 默认 "default"
	Seed           []string      `mapstructure:"seed"`            // [必填] broker 地址
	ClientID       string        `mapstructure:"client_id"`       // 默认 "deadletter"
	User           string        `mapstructure:"user"`            // SASL/PLAIN 用户名
	Password       string        `mapstructure:"password"`        // SASL/PLAIN 密码
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // 默认 10s
}

func (c *KafkaConfig) validate() error {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.ClientID == "" {
		c.ClientID = "deadletter"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if len(c.Seed) == 0 {
		return fmt.Errorf("%w: kafka seed brokers are required", ErrConfig)
	}
	return nil
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	Name          string        `mapstructure:"name"`
	URL           string        `mapstructure:"url"` // [必填] 如 nats://127.0.0.1:4222
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`        // 默认 5s
	MaxReconnects int           `mapstructure:"max_reconnects"` // 默认 60
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"` // 默认 2s
}

func (c *NATSConfig) validate() error {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.URL == "" {
		return fmt.Errorf("%w: nats url is required", ErrConfig)
	}
	return nil
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Name         string        `mapstructure:"name"`
	Addr         string        `mapstructure:"addr"` // [必填] 如 127.0.0.1:6379
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`     // 默认 10
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`  // 默认 5s
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 默认 3s
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 默认 3s
}

func (c *RedisConfig) validate() error {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: redis addr is required", ErrConfig)
	}
	if c.DB < 0 {
		return fmt.Errorf("%w: redis db must be >= 0", ErrConfig)
	}
	return nil
}

// MySQLConfig MySQL 连接配置，DSN 非空时忽略 Host 等字段
type MySQLConfig struct {
	Name            string        `mapstructure:"name"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"` // 默认 3306
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	Charset         string        `mapstructure:"charset"`        // 默认 utf8mb4
	MaxIdleConns    int           `mapstructure:"max_idle_conns"` // 默认 10
	MaxOpenConns    int           `mapstructure:"max_open_conns"` // 默认 50
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"` // 默认 200ms
}

func (c *MySQLConfig) validate() error {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Charset == "" {
		c.Charset = "utf8mb4"
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 50
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 200 * time.Millisecond
	}
	if c.DSN != "" {
		return nil
	}
	if c.Host == "" || c.Username == "" || c.Database == "" {
		return fmt.Errorf("%w: mysql host, username and database are required", ErrConfig)
	}
	return nil
}

func (c *MySQLConfig) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=UTC",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// SQLiteConfig SQLite 连接配置
type SQLiteConfig struct {
	Name          string        `mapstructure:"name"`
	Path          string        `mapstructure:"path"` // 默认 file::memory:?cache=shared
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

func (c *SQLiteConfig) validate() error {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Path == "" {
		c.Path = "file::memory:?cache=shared"
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 200 * time.Millisecond
	}
	return nil
}
