package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teskeeper/internal/models"
)

// CaseRepository 条件 B 监控用例仓库
type CaseRepository struct {
	db *DB
}

// NewCaseRepository 创建用例仓库
func NewCaseRepository(db *DB) *CaseRepository {
	return &CaseRepository{db: db}
}

// Get 按 VIN 获取用例
func (r *CaseRepository) Get(ctx context.Context, vin string) (*models.WorkerCase, error) {
	query := `SELECT vin, started_at, last_battery, last_ready FROM worker_cases WHERE vin = $1`
	c := &models.WorkerCase{}
	err := r.db.Pool.QueryRow(ctx, query, vin).Scan(&c.VIN, &c.StartedAt, &c.LastBattery, &c.LastReady)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get worker case: %w", err)
	}
	return c, nil
}

// Upsert 创建或更新用例
func (r *CaseRepository) Upsert(ctx context.Context, c *models.WorkerCase) error {
	query := `
		INSERT INTO worker_cases (vin, started_at, last_battery, last_ready)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vin) DO UPDATE SET
			last_battery = EXCLUDED.last_battery,
			last_ready = EXCLUDED.last_ready
	`
	_, err := r.db.Pool.Exec(ctx, query, c.VIN, c.StartedAt, c.LastBattery, c.LastReady)
	if err != nil {
		return fmt.Errorf("upsert worker case: %w", err)
	}
	return nil
}

// Delete 清除用例（车辆就绪或唤醒复查完成后）
func (r *CaseRepository) Delete(ctx context.Context, vin string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM worker_cases WHERE vin = $1`, vin)
	if err != nil {
		return fmt.Errorf("delete worker case: %w", err)
	}
	return nil
}
