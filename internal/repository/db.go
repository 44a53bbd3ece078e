package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateScoutState,
		migrationCreateWorkerCases,
		migrationCreateSpecialSessions,
		migrationCreateFingerprints,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL

// Scout 状态：每个 VIN 一行，Scout 独占写入
const migrationCreateScoutState = `
CREATE TABLE IF NOT EXISTS scout_state (
    vin VARCHAR(17) PRIMARY KEY,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    at_home BOOLEAN NOT NULL DEFAULT false,
    online BOOLEAN NOT NULL DEFAULT false,
    battery_level INT NOT NULL DEFAULT 0,
    charging_state VARCHAR(20) NOT NULL DEFAULT 'Unknown',
    is_charging_ready BOOLEAN NOT NULL DEFAULT false,
    last_refresh_call TIMESTAMP WITH TIME ZONE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

// 条件 B 监控用例：每个 VIN 至多一个
const migrationCreateWorkerCases = `
CREATE TABLE IF NOT EXISTS worker_cases (
    vin VARCHAR(17) PRIMARY KEY,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    last_battery INT NOT NULL DEFAULT 0,
    last_ready BOOLEAN NOT NULL DEFAULT false
);
`

const migrationCreateSpecialSessions = `
CREATE TABLE IF NOT EXISTS special_sessions (
    session_id VARCHAR(64) PRIMARY KEY,
    vin VARCHAR(17) NOT NULL,
    status VARCHAR(16) NOT NULL,
    target_percent INT NOT NULL,
    target_at TIMESTAMP WITH TIME ZONE NOT NULL,
    planned_charge_start TIMESTAMP WITH TIME ZONE NOT NULL,
    planned_charge_end TIMESTAMP WITH TIME ZONE NOT NULL,
    send_at TIMESTAMP WITH TIME ZONE NOT NULL,
    original_charge_limit INT NOT NULL DEFAULT 0,
    send_job_name VARCHAR(128) NOT NULL,
    cleanup_job_name VARCHAR(128) NOT NULL,
    strategy VARCHAR(4) NOT NULL DEFAULT '',
    completed_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_special_sessions_vin ON special_sessions(vin);
CREATE INDEX IF NOT EXISTS idx_special_sessions_status ON special_sessions(status);
`

// 日程指纹：期望集合未变化时跳过对账
const migrationCreateFingerprints = `
CREATE TABLE IF NOT EXISTS schedule_fingerprints (
    vin VARCHAR(17) PRIMARY KEY,
    fingerprint VARCHAR(64) NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`
