package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/xerrors"
)

// dbConnector 是 MySQL 与 SQLite 共用的 GORM 连接器
type dbConnector struct {
	kind      string
	name      string
	dialector func() gorm.Dialector
	configure func(db *gorm.DB) error
	slow      time.Duration
	opts      *options
	logger    clog.Logger
	db        *gorm.DB
	healthy   atomic.Bool
	mu        sync.RWMutex
}

// NewMySQL 创建 MySQL 连接器
func NewMySQL(cfg *MySQLConfig, opts ...Option) (DBConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "mysql config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := newDBConnector("mysql", cfg.Name, cfg.SlowThreshold, opts)
	c.dialector = func() gorm.Dialector { return mysql.Open(cfg.dsn()) }
	c.configure = func(db *gorm.DB) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		return nil
	}
	return c, nil
}

// NewSQLite 创建 SQLite 连接器，默认使用共享内存库，适合测试与单机部署。
func NewSQLite(cfg *SQLiteConfig, opts ...Option) (DBConnector, error) {
	if cfg == nil {
		cfg = &SQLiteConfig{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := newDBConnector("sqlite", cfg.Name, cfg.SlowThreshold, opts)
	c.dialector = func() gorm.Dialector { return sqlite.Open(cfg.Path) }
	return c, nil
}

func newDBConnector(kind, name string, slow time.Duration, opts []Option) *dbConnector {
	o := applyOptions(opts...)
	return &dbConnector{
		kind:   kind,
		name:   name,
		slow:   slow,
		opts:   o,
		logger: o.logger.With(clog.String("connector", kind), clog.String("name", name)),
	}
}

func (c *dbConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}

	c.logger.Info("attempting to open database")
	db, err := gorm.Open(c.dialector(), &gorm.Config{
		Logger: newGormLogger(c.logger, c.slow),
	})
	if err == nil && c.configure != nil {
		err = c.configure(db)
	}
	if err == nil && c.opts.tracing {
		err = db.Use(otelgorm.NewPlugin())
	}
	if err == nil {
		err = ping(ctx, db)
	}
	c.opts.recordConnect(ctx, c.kind, c.name, err)
	if err != nil {
		c.logger.Error("failed to open database", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.kind, c.name, err)
	}

	c.db = db
	c.healthy.Store(true)
	c.logger.Info("database connected")
	return nil
}

func (c *dbConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy.Store(false)
	if c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	c.db = nil
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		c.logger.Error("failed to close database", clog.Error(err))
		return err
	}
	c.logger.Info("database closed")
	return nil
}

func (c *dbConnector) HealthCheck(ctx context.Context) error {
	db := c.GetClient()
	if db == nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrNotConnected, "%s connector[%s]", c.kind, c.name)
	}
	if err := ping(ctx, db); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("database health check failed", clog.Error(err))
		return xerrors.Wrapf(ErrHealthCheck, "%s connector[%s]: %v", c.kind, c.name, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *dbConnector) IsHealthy() bool { return c.healthy.Load() }
func (c *dbConnector) Name() string    { return c.name }

func (c *dbConnector) GetClient() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
