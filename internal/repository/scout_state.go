package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teskeeper/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// ScoutStateRepository Scout 状态仓库
type ScoutStateRepository struct {
	db *DB
}

// NewScoutStateRepository 创建 Scout 状态仓库
func NewScoutStateRepository(db *DB) *ScoutStateRepository {
	return &ScoutStateRepository{db: db}
}

// Get 按 VIN 获取状态
func (r *ScoutStateRepository) Get(ctx context.Context, vin string) (*models.ScoutState, error) {
	query := `
		SELECT vin, latitude, longitude, at_home, online, battery_level, charging_state, is_charging_ready, last_refresh_call, updated_at
		FROM scout_state WHERE vin = $1
	`
	state := &models.ScoutState{}
	var lastRefresh *time.Time
	err := r.db.Pool.QueryRow(ctx, query, vin).Scan(
		&state.VIN,
		&state.Latitude,
		&state.Longitude,
		&state.AtHome,
		&state.Online,
		&state.BatteryLevel,
		&state.ChargingState,
		&state.IsChargingReady,
		&lastRefresh,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get scout state: %w", err)
	}
	if lastRefresh != nil {
		state.LastRefreshCall = *lastRefresh
	}
	return state, nil
}

// Upsert 整行重写状态
func (r *ScoutStateRepository) Upsert(ctx context.Context, state *models.ScoutState) error {
	query := `
		INSERT INTO scout_state (vin, latitude, longitude, at_home, online, battery_level, charging_state, is_charging_ready, last_refresh_call, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (vin) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			at_home = EXCLUDED.at_home,
			online = EXCLUDED.online,
			battery_level = EXCLUDED.battery_level,
			charging_state = EXCLUDED.charging_state,
			is_charging_ready = EXCLUDED.is_charging_ready,
			last_refresh_call = EXCLUDED.last_refresh_call,
			updated_at = EXCLUDED.updated_at
	`
	state.UpdatedAt = time.Now()
	var lastRefresh *time.Time
	if !state.LastRefreshCall.IsZero() {
		lastRefresh = &state.LastRefreshCall
	}
	_, err := r.db.Pool.Exec(ctx, query,
		state.VIN,
		state.Latitude,
		state.Longitude,
		state.AtHome,
		state.Online,
		state.BatteryLevel,
		state.ChargingState,
		state.IsChargingReady,
		lastRefresh,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert scout state: %w", err)
	}
	return nil
}

// TouchRefreshCall 仅更新刷新调用时间戳（自限速用）
func (r *ScoutStateRepository) TouchRefreshCall(ctx context.Context, vin string, at time.Time) error {
	query := `UPDATE scout_state SET last_refresh_call = $1 WHERE vin = $2`
	_, err := r.db.Pool.Exec(ctx, query, at, vin)
	if err != nil {
		return fmt.Errorf("touch refresh call: %w", err)
	}
	return nil
}
