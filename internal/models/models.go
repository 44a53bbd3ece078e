package models

import "time"

// LocationStatus 位置分类
type LocationStatus string

const (
	LocationHome    LocationStatus = "HOME"
	LocationOutside LocationStatus = "OUTSIDE"
	LocationUnknown LocationStatus = "UNKNOWN"
)

// 充电状态常量（来自车辆 charge_state）
const (
	ChargingStateCharging     = "Charging"
	ChargingStateComplete     = "Complete"
	ChargingStateDisconnected = "Disconnected"
	ChargingStateStopped      = "Stopped"
	ChargingStateNoPower      = "NoPower"
	ChargingStateUnknown      = "Unknown"
)

// 充电口锁扣状态
const (
	LatchEngaged    = "Engaged"
	LatchDisengaged = "Disengaged"
)

// 无效的充电线标识
const (
	CableUnknown = "<invalid>"
	CableInvalid = "Invalid"
)

// Snapshot 车辆快照（每次读取生成）
type Snapshot struct {
	VIN                string         `json:"vin"`
	Online             bool           `json:"online"`
	BatteryLevel       int            `json:"battery_level"`
	ChargingState      string         `json:"charging_state"`
	ChargePortLatch    string         `json:"charge_port_latch"`
	ConnectedCable     string         `json:"connected_cable"`
	Latitude           *float64       `json:"latitude,omitempty"`
	Longitude          *float64       `json:"longitude,omitempty"`
	LocationStatus     LocationStatus `json:"location_status"`
	IsChargingReady    bool           `json:"is_charging_ready"`
	CurrentChargeLimit int            `json:"current_charge_limit"`
	ReadAt             time.Time      `json:"read_at"`
}

// AtHome 快照是否位于家的范围内
func (s *Snapshot) AtHome() bool {
	return s.LocationStatus == LocationHome
}

// DeriveChargingReady 推导 is_charging_ready:
// 充电中/已完成，或锁扣已锁且充电线标识有效（非空、非 Unknown/Invalid 哨兵值）
func DeriveChargingReady(chargingState, portLatch, cable string) bool {
	if chargingState == ChargingStateCharging || chargingState == ChargingStateComplete {
		return true
	}
	return portLatch == LatchEngaged && cableValid(cable)
}

func cableValid(cable string) bool {
	switch cable {
	case "", CableUnknown, CableInvalid, "Unknown":
		return false
	}
	return true
}

// ChargeSchedule 车载充电日程（车辆为权威来源）
type ChargeSchedule struct {
	ID               int64   `json:"id,omitempty"` // 服务端分配
	Enabled          bool    `json:"enabled"`
	StartEnabled     bool    `json:"start_enabled"`
	StartTimeMinutes int     `json:"start_time"` // 距午夜分钟数 0-1439
	EndEnabled       bool    `json:"end_enabled"`
	EndTimeMinutes   int     `json:"end_time"`
	DaysOfWeek       string  `json:"days_of_week"` // 创建时 "All"/"Weekdays"
	Latitude         float64 `json:"lat"`
	Longitude        float64 `json:"lon"`
	OneTime          bool    `json:"one_time"`
}

// ScoutState Scout 持久化状态（按 VIN 存储）
type ScoutState struct {
	VIN             string    `json:"vin"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	AtHome          bool      `json:"at_home"`
	Online          bool      `json:"online"`
	BatteryLevel    int       `json:"battery_level"`
	ChargingState   string    `json:"charging_state"`
	IsChargingReady bool      `json:"is_charging_ready"`
	LastRefreshCall time.Time `json:"last_refresh_call"` // Scout 自限速用
	UpdatedAt       time.Time `json:"updated_at"`
}

// WorkerCase 条件 B 监控用例（按 VIN 存储）
type WorkerCase struct {
	VIN         string    `json:"vin"`
	StartedAt   time.Time `json:"started_at"`
	LastBattery int       `json:"last_battery"`
	LastReady   bool      `json:"last_ready"`
}

// TokenRecord 令牌记录（秘密存储中的单文档，Worker 独占写入）
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ObtainedAt   time.Time `json:"obtained_at"`
}

// Remaining 距过期的剩余时间
func (t *TokenRecord) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// DesiredWindow 电价 API 返回的期望充电窗口
type DesiredWindow struct {
	Start        time.Time `json:"start_time"`
	End          time.Time `json:"end_time"`
	ChargeAmount float64   `json:"charge_amount"` // kWh
}
