package tesla

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/pkg/geo"
)

// TokenSource 访问令牌来源（由 Token Broker 实现）
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, reason string) error
}

// Client 车辆网关：封装 Tesla Fleet API 与本地签名代理
type Client struct {
	httpClient  *http.Client
	proxyClient *http.Client
	apiHost     string
	proxyBase   string // 为空表示未配置签名代理
	tokens      TokenSource
	home        geo.Home

	// 唤醒轮询参数（测试可覆盖）
	wakeDeadline     time.Duration
	wakePollInterval time.Duration
	rateLimitBackoff time.Duration
}

// NewClient 创建网关客户端
func NewClient(apiHost, proxyHost, proxyPort string, tokens TokenSource, home geo.Home) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiHost:          apiHost,
		tokens:           tokens,
		home:             home,
		wakeDeadline:     30 * time.Second,
		wakePollInterval: 2 * time.Second,
		rateLimitBackoff: 5 * time.Second,
	}

	if proxyHost != "" && proxyPort != "" {
		c.proxyBase = fmt.Sprintf("https://%s:%s", proxyHost, proxyPort)
		transport := &http.Transport{}
		// 代理与本服务同机部署，启动时自签证书；仅对 localhost 放宽校验
		if proxyHost == "localhost" || proxyHost == "127.0.0.1" {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		c.proxyClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		}
	}

	return c
}

// apiResponse 通用 API 响应结构
type apiResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// doRequest 执行带认证的请求：401 时刷新令牌重试一次，瞬时错误重试一次，429 退避一次
func (c *Client) doRequest(ctx context.Context, client *http.Client, method, base, path string, body []byte) (json.RawMessage, error) {
	raw, err := c.doOnce(ctx, client, method, base, path, body)
	switch {
	case err == nil:
		return raw, nil
	case errors.Is(err, ErrUnauthorized):
		if refreshErr := c.tokens.ForceRefresh(ctx, "gateway 401"); refreshErr != nil {
			return nil, fmt.Errorf("%w: refresh after 401: %v", ErrNeedsReauthorization, refreshErr)
		}
		raw, err = c.doOnce(ctx, client, method, base, path, body)
		if errors.Is(err, ErrUnauthorized) {
			return nil, ErrNeedsReauthorization
		}
		return raw, err
	case errors.Is(err, ErrRateLimited):
		select {
		case <-time.After(c.rateLimitBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.doOnce(ctx, client, method, base, path, body)
	case IsRetryableTransient(err):
		return c.doOnce(ctx, client, method, base, path, body)
	}
	return nil, err
}

// doOnce 单次请求
func (c *Client) doOnce(ctx context.Context, client *http.Client, method, base, path string, body []byte) (json.RawMessage, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// 网络错误和超时按瞬时处理
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrBadRequest, apiResp.Error)
	}

	return apiResp.Response, nil
}

// ListVehicles 获取账号下的车辆列表
func (c *Client) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	raw, err := c.doRequest(ctx, c.httpClient, "GET", c.apiHost, "/api/1/vehicles", nil)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}

	var vehicles []Vehicle
	if err := json.Unmarshal(raw, &vehicles); err != nil {
		return nil, fmt.Errorf("decode vehicles: %w", err)
	}
	return vehicles, nil
}

// ResolveVIN 启动时解析受控车辆：优先匹配配置的 VIN，否则取第一辆
func (c *Client) ResolveVIN(ctx context.Context, configured string) (string, error) {
	vehicles, err := c.ListVehicles(ctx)
	if err != nil {
		return "", err
	}
	if len(vehicles) == 0 {
		return "", fmt.Errorf("no vehicles on account")
	}
	for _, v := range vehicles {
		if v.VIN == configured {
			return v.VIN, nil
		}
	}
	return vehicles[0].VIN, nil
}

// vehicleStatus 查询车辆在线状态（不会唤醒车辆）
func (c *Client) vehicleStatus(ctx context.Context, vin string) (string, error) {
	raw, err := c.doRequest(ctx, c.httpClient, "GET", c.apiHost, "/api/1/vehicles/"+url.PathEscape(vin), nil)
	if err != nil {
		return "", fmt.Errorf("get vehicle: %w", err)
	}
	var v Vehicle
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("decode vehicle: %w", err)
	}
	return v.State, nil
}

// GetSnapshot 读取车辆快照。includeLocation 为 true 时显式请求 location_data，
// 否则云端不会返回 GPS 坐标
func (c *Client) GetSnapshot(ctx context.Context, vin string, includeLocation bool) (*models.Snapshot, error) {
	endpoints := "charge_state;drive_state"
	if includeLocation {
		endpoints += ";location_data"
	}
	path := fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=%s", url.PathEscape(vin), url.QueryEscape(endpoints))

	raw, err := c.doRequest(ctx, c.httpClient, "GET", c.apiHost, path, nil)
	if err != nil {
		// 车辆休眠时数据接口不可达；退回状态查询构造离线快照
		if errors.Is(err, ErrVehicleUnavailable) {
			return c.offlineSnapshot(ctx, vin)
		}
		return nil, fmt.Errorf("get vehicle data: %w", err)
	}

	var data VehicleData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode vehicle data: %w", err)
	}

	return c.snapshotFromData(vin, &data), nil
}

// offlineSnapshot 车辆不可达时构造的最小快照
func (c *Client) offlineSnapshot(ctx context.Context, vin string) (*models.Snapshot, error) {
	state, err := c.vehicleStatus(ctx, vin)
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{
		VIN:            vin,
		Online:         state == "online",
		ChargingState:  models.ChargingStateUnknown,
		LocationStatus: models.LocationUnknown,
		ReadAt:         time.Now(),
	}, nil
}

// snapshotFromData 从完整数据推导快照字段
func (c *Client) snapshotFromData(vin string, data *VehicleData) *models.Snapshot {
	snap := &models.Snapshot{
		VIN:            vin,
		Online:         data.State == "online",
		ChargingState:  models.ChargingStateUnknown,
		LocationStatus: models.LocationUnknown,
		ReadAt:         time.Now(),
	}

	if cs := data.ChargeState; cs != nil {
		snap.BatteryLevel = cs.BatteryLevel
		snap.ChargingState = cs.ChargingState
		snap.ChargePortLatch = cs.ChargePortLatch
		snap.ConnectedCable = cs.ConnCableType
		snap.CurrentChargeLimit = cs.ChargeLimitSoc
	}
	if ds := data.DriveState; ds != nil {
		snap.Latitude = ds.Latitude
		snap.Longitude = ds.Longitude
	}

	snap.LocationStatus = c.home.Classify(snap.Latitude, snap.Longitude)
	snap.IsChargingReady = models.DeriveChargingReady(snap.ChargingState, snap.ChargePortLatch, snap.ConnectedCable)
	return snap
}

// ListChargeSchedules 读取车载充电日程
func (c *Client) ListChargeSchedules(ctx context.Context, vin string) ([]models.ChargeSchedule, error) {
	path := fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=%s", url.PathEscape(vin), url.QueryEscape("charge_schedule_data"))

	raw, err := c.doRequest(ctx, c.httpClient, "GET", c.apiHost, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list charge schedules: %w", err)
	}

	var data VehicleData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode schedule data: %w", err)
	}
	if data.ChargeScheduleData == nil {
		return nil, nil
	}

	schedules := make([]models.ChargeSchedule, 0, len(data.ChargeScheduleData.ChargeSchedules))
	for _, ws := range data.ChargeScheduleData.ChargeSchedules {
		schedules = append(schedules, models.ChargeSchedule{
			ID:               ws.ID,
			Enabled:          ws.Enabled,
			StartEnabled:     ws.StartEnabled,
			StartTimeMinutes: ws.StartTimeMinutes,
			EndEnabled:       ws.EndEnabled,
			EndTimeMinutes:   ws.EndTimeMinutes,
			Latitude:         ws.Latitude,
			Longitude:        ws.Longitude,
			OneTime:          ws.OneTime,
		})
	}
	return schedules, nil
}

// WakeUp 唤醒车辆并轮询直到在线或超时
func (c *Client) WakeUp(ctx context.Context, vin string) error {
	path := fmt.Sprintf("/api/1/vehicles/%s/wake_up", url.PathEscape(vin))
	if _, err := c.doRequest(ctx, c.httpClient, "POST", c.apiHost, path, nil); err != nil {
		return fmt.Errorf("wake up: %w", err)
	}

	deadline := time.Now().Add(c.wakeDeadline)
	for time.Now().Before(deadline) {
		state, err := c.vehicleStatus(ctx, vin)
		if err == nil && state == "online" {
			return nil
		}
		select {
		case <-time.After(c.wakePollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrWakeTimeout
}

// signedCommand 通过签名代理发送命令；未配置代理时返回 NotSupported
func (c *Client) signedCommand(ctx context.Context, vin, command string, body any) (*commandResponse, error) {
	if c.proxyClient == nil {
		return nil, fmt.Errorf("%w: no signing proxy configured", ErrNotSupported)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal command body: %w", err)
		}
	}

	path := fmt.Sprintf("/api/1/vehicles/%s/command/%s", url.PathEscape(vin), command)
	raw, err := c.doRequest(ctx, c.proxyClient, "POST", c.proxyBase, path, payload)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", command, err)
	}

	var resp commandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode command response: %w", err)
	}
	if !resp.Result {
		return &resp, fmt.Errorf("command %s rejected: %s", command, resp.Reason)
	}
	return &resp, nil
}

// AddChargeSchedule 创建充电日程，返回服务端分配的 ID。
// 创建约束：起止时间均须启用，坐标须为家坐标
func (c *Client) AddChargeSchedule(ctx context.Context, vin string, schedule models.ChargeSchedule) (int64, error) {
	if !schedule.StartEnabled || !schedule.EndEnabled {
		return 0, fmt.Errorf("%w: schedule must enable both start and end", ErrBadRequest)
	}
	if !c.home.Contains(schedule.Latitude, schedule.Longitude) {
		return 0, fmt.Errorf("%w: schedule coordinates must be home", ErrBadRequest)
	}

	days := schedule.DaysOfWeek
	if days == "" {
		days = "All"
	}

	resp, err := c.signedCommand(ctx, vin, "add_charge_schedule", addScheduleRequest{
		DaysOfWeek:   days,
		Enabled:      schedule.Enabled,
		StartEnabled: schedule.StartEnabled,
		StartTime:    schedule.StartTimeMinutes,
		EndEnabled:   schedule.EndEnabled,
		EndTime:      schedule.EndTimeMinutes,
		OneTime:      schedule.OneTime,
		Latitude:     schedule.Latitude,
		Longitude:    schedule.Longitude,
	})
	if err != nil {
		return 0, err
	}
	return resp.ScheduleID, nil
}

// RemoveChargeSchedule 按 ID 删除日程。旧固件会拒绝并返回 NotSupported
func (c *Client) RemoveChargeSchedule(ctx context.Context, vin string, scheduleID int64) error {
	_, err := c.signedCommand(ctx, vin, "remove_charge_schedule", map[string]int64{"id": scheduleID})
	return err
}

// SetChargeLimit 设置充电上限（50-100）
func (c *Client) SetChargeLimit(ctx context.Context, vin string, percent int) error {
	if percent < 50 || percent > 100 {
		return fmt.Errorf("%w: charge limit %d out of range", ErrBadRequest, percent)
	}
	resp, err := c.signedCommand(ctx, vin, "set_charge_limit", map[string]int{"percent": percent})
	if err != nil {
		if resp != nil && resp.Reason == "already_set" {
			return ErrAlreadySet
		}
		return err
	}
	return nil
}

// ChargeStart 手动开始充电。仅供应急人工路径使用，日程对账流程不会调用
func (c *Client) ChargeStart(ctx context.Context, vin string) error {
	_, err := c.signedCommand(ctx, vin, "charge_start", nil)
	return err
}

// ChargeStop 手动停止充电。仅供应急人工路径使用
func (c *Client) ChargeStop(ctx context.Context, vin string) error {
	_, err := c.signedCommand(ctx, vin, "charge_stop", nil)
	return err
}
