package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FingerprintRepository 日程指纹仓库
type FingerprintRepository struct {
	db *DB
}

// NewFingerprintRepository 创建指纹仓库
func NewFingerprintRepository(db *DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

// Get 按 VIN 获取指纹；不存在时返回空字符串
func (r *FingerprintRepository) Get(ctx context.Context, vin string) (string, error) {
	var fp string
	err := r.db.Pool.QueryRow(ctx, `SELECT fingerprint FROM schedule_fingerprints WHERE vin = $1`, vin).Scan(&fp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get fingerprint: %w", err)
	}
	return fp, nil
}

// Set 保存指纹（仅在对账全部成功后调用）
func (r *FingerprintRepository) Set(ctx context.Context, vin, fingerprint string) error {
	query := `
		INSERT INTO schedule_fingerprints (vin, fingerprint, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (vin) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query, vin, fingerprint, time.Now())
	if err != nil {
		return fmt.Errorf("set fingerprint: %w", err)
	}
	return nil
}
