package tesla

// Vehicle 车辆基础信息
type Vehicle struct {
	ID          int64  `json:"id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"` // online, asleep, offline
}

// VehicleData 车辆完整数据（按需请求的 endpoints 子集）
type VehicleData struct {
	ID                 int64               `json:"id"`
	VIN                string              `json:"vin"`
	State              string              `json:"state"`
	ChargeState        *ChargeState        `json:"charge_state,omitempty"`
	DriveState         *DriveState         `json:"drive_state,omitempty"`
	ChargeScheduleData *ChargeScheduleData `json:"charge_schedule_data,omitempty"`
}

// ChargeState 充电状态
type ChargeState struct {
	BatteryLevel    int    `json:"battery_level"`
	ChargeLimitSoc  int    `json:"charge_limit_soc"`
	ChargePortLatch string `json:"charge_port_latch"` // Engaged, Disengaged
	ChargingState   string `json:"charging_state"`    // Charging, Complete, Disconnected, Stopped, NoPower
	ConnCableType   string `json:"conn_charge_cable"` // IEC, SAE, <invalid>
	Timestamp       int64  `json:"timestamp"`
}

// DriveState 驾驶状态（含 GPS，仅在显式请求 location_data 时返回）
type DriveState struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// ChargeScheduleData 车载充电日程集合
type ChargeScheduleData struct {
	ChargeSchedules []WireChargeSchedule `json:"charge_schedules"`
}

// WireChargeSchedule 车辆返回的日程条目
type WireChargeSchedule struct {
	ID               int64   `json:"id"`
	Enabled          bool    `json:"enabled"`
	StartEnabled     bool    `json:"start_enabled"`
	StartTimeMinutes int     `json:"start_time"`
	EndEnabled       bool    `json:"end_enabled"`
	EndTimeMinutes   int     `json:"end_time"`
	DaysOfWeek       int     `json:"days_of_week"` // 位掩码
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	OneTime          bool    `json:"one_time"`
}

// addScheduleRequest 创建日程的命令体
type addScheduleRequest struct {
	DaysOfWeek   string  `json:"days_of_week"`
	Enabled      bool    `json:"enabled"`
	StartEnabled bool    `json:"start_enabled"`
	StartTime    int     `json:"start_time"`
	EndEnabled   bool    `json:"end_enabled"`
	EndTime      int     `json:"end_time"`
	OneTime      bool    `json:"one_time"`
	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lon"`
}

// commandResponse 命令类接口的通用响应
type commandResponse struct {
	Result     bool   `json:"result"`
	Reason     string `json:"reason"`
	ScheduleID int64  `json:"schedule_id,omitempty"`
}
