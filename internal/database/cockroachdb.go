package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"securevault-backend/internal/database/migrations"
	"securevault-backend/pkg/config"
	"securevault-backend/pkg/metrics"
)

// DBConfig contains pool tuning
type DBConfig struct {
	MaxConns          int32
	MinConns          int32
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultDBConfig returns default pool settings
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxConns:          25,
		MinConns:          2,
		ConnMaxLifetime:   1 * time.Hour,
		ConnMaxIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// PoolConfig derives pool settings from the service configuration
func PoolConfig(cfg config.DatabaseConfig) *DBConfig {
	dbConfig := DefaultDBConfig()
	if cfg.MaxConns > 0 {
		dbConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		dbConfig.MinConns = int32(cfg.MinConns)
	}
	return dbConfig
}

// DB wraps the pgxpool.Pool holding file records
type DB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB creates a connection pool and verifies it with a ping
func NewDB(ctx context.Context, connString string, dbConfig *DBConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if dbConfig == nil {
		dbConfig = DefaultDBConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig.MaxConns = dbConfig.MaxConns
	poolConfig.MinConns = dbConfig.MinConns
	poolConfig.MaxConnLifetime = dbConfig.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = dbConfig.ConnMaxIdleTime
	poolConfig.HealthCheckPeriod = dbConfig.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	logger.Info("Connected to database",
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
	db.logger.Info("Database connection pool closed")
}

// HealthCheck pings the pool
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// ReportStats publishes pool usage to m
func (db *DB) ReportStats(m *metrics.Metrics) {
	stat := db.Pool.Stat()
	m.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))
}

// Usage returns acquired, idle and maximum pool connections
func (db *DB) Usage() (acquired, idle, max int32) {
	stat := db.Pool.Stat()
	return stat.AcquiredConns(), stat.IdleConns(), stat.MaxConns()
}

// gooseUpContext is replaced in tests
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations
func Migrate(ctx context.Context, connString string, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Info("Database migrations applied")
	}
	return nil
}
