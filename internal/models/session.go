package models

import (
	"fmt"
	"time"
)

// 特殊充电会话状态
const (
	SessionScheduled = "SCHEDULED"
	SessionActive    = "ACTIVE"
	SessionCompleted = "COMPLETED"
	SessionFailed    = "FAILED"
	SessionCancelled = "CANCELLED"
)

// SpecialSession 特殊充电会话（"在 T 之前充到 X%" 的一次性计划）
type SpecialSession struct {
	SessionID           string     `json:"session_id"` // special_<row>_<YYYYMMDD>_<HHMM>
	VIN                 string     `json:"vin"`
	Status              string     `json:"status"`
	TargetPercent       int        `json:"target_percent"` // 50-100
	TargetAt            time.Time  `json:"target_at"`
	PlannedChargeStart  time.Time  `json:"planned_charge_start"`
	PlannedChargeEnd    time.Time  `json:"planned_charge_end"`
	SendAt              time.Time  `json:"send_at"`
	OriginalChargeLimit int        `json:"original_charge_limit"`
	SendJobName         string     `json:"send_job_name"`
	CleanupJobName      string     `json:"cleanup_job_name"`
	Strategy            string     `json:"strategy"` // S1-S4
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SessionID 生成会话 ID，基于表格行号和目标时刻
func SessionID(row int, targetAt time.Time) string {
	return fmt.Sprintf("special_%d_%s", row, targetAt.Format("20060102_1504"))
}

// SheetRow 表格中的一行特殊充电请求
type SheetRow struct {
	Row           int       `json:"row"`
	Date          string    `json:"date"` // YYYY-MM-DD
	Time          string    `json:"time"` // HH:MM
	TargetPercent int       `json:"target_percent"`
	Status        string    `json:"status"` // ACTIVE, PLANNED, COMPLETED, CANCELLED
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TargetAt 解析行中的目标时刻（车辆本地时区）
func (r *SheetRow) TargetAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", r.Date+" "+r.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sheet row %d datetime: %w", r.Row, err)
	}
	return t, nil
}
