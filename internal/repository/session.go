package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teskeeper/internal/models"
)

// SessionRepository 特殊充电会话仓库
type SessionRepository struct {
	db *DB
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `session_id, vin, status, target_percent, target_at, planned_charge_start, planned_charge_end,
	send_at, original_charge_limit, send_job_name, cleanup_job_name, strategy, completed_at, created_at, updated_at`

func scanSession(row pgx.Row) (*models.SpecialSession, error) {
	s := &models.SpecialSession{}
	err := row.Scan(
		&s.SessionID,
		&s.VIN,
		&s.Status,
		&s.TargetPercent,
		&s.TargetAt,
		&s.PlannedChargeStart,
		&s.PlannedChargeEnd,
		&s.SendAt,
		&s.OriginalChargeLimit,
		&s.SendJobName,
		&s.CleanupJobName,
		&s.Strategy,
		&s.CompletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}

// Get 按会话 ID 获取
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*models.SpecialSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM special_sessions WHERE session_id = $1`
	return scanSession(r.db.Pool.QueryRow(ctx, query, sessionID))
}

// Create 创建会话
func (r *SessionRepository) Create(ctx context.Context, s *models.SpecialSession) error {
	query := `
		INSERT INTO special_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.db.Pool.Exec(ctx, query,
		s.SessionID, s.VIN, s.Status, s.TargetPercent, s.TargetAt,
		s.PlannedChargeStart, s.PlannedChargeEnd, s.SendAt, s.OriginalChargeLimit,
		s.SendJobName, s.CleanupJobName, s.Strategy, s.CompletedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Update 整行更新会话
func (r *SessionRepository) Update(ctx context.Context, s *models.SpecialSession) error {
	query := `
		UPDATE special_sessions SET
			status = $2, target_percent = $3, target_at = $4,
			planned_charge_start = $5, planned_charge_end = $6, send_at = $7,
			original_charge_limit = $8, send_job_name = $9, cleanup_job_name = $10,
			strategy = $11, completed_at = $12, updated_at = $13
		WHERE session_id = $1
	`
	s.UpdatedAt = time.Now()
	_, err := r.db.Pool.Exec(ctx, query,
		s.SessionID, s.Status, s.TargetPercent, s.TargetAt,
		s.PlannedChargeStart, s.PlannedChargeEnd, s.SendAt,
		s.OriginalChargeLimit, s.SendJobName, s.CleanupJobName,
		s.Strategy, s.CompletedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// ListByStatus 按状态列出会话
func (r *SessionRepository) ListByStatus(ctx context.Context, vin string, statuses ...string) ([]*models.SpecialSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM special_sessions WHERE vin = $1 AND status = ANY($2) ORDER BY planned_charge_start`
	rows, err := r.db.Pool.Query(ctx, query, vin, statuses)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.SpecialSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ActiveSession 返回当前 ACTIVE 的会话，没有则返回 ErrNotFound
func (r *SessionRepository) ActiveSession(ctx context.Context, vin string) (*models.SpecialSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM special_sessions WHERE vin = $1 AND status = $2 ORDER BY planned_charge_start LIMIT 1`
	return scanSession(r.db.Pool.QueryRow(ctx, query, vin, models.SessionActive))
}
