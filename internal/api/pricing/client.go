package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/langchou/teskeeper/internal/models"
)

// ChargeLimits 发送给电价服务的充电上限配置
type ChargeLimits struct {
	OptimalUpper int     `json:"optimalUpper"`
	OptimalLower int     `json:"optimalLower"`
	Emergency    int     `json:"emergency"`
	ChargingRate float64 `json:"chargingRate"`
}

// Request 电价 API 请求体
type Request struct {
	BatteryLevel    int          `json:"batteryLevel"`
	BatteryCapacity float64      `json:"batteryCapacity"`
	Consumption     float64      `json:"consumption"`
	DailyMileage    float64      `json:"dailyMileage"`
	ChargeLimits    ChargeLimits `json:"chargeLimits"`
}

// wireWindow 响应中的单个充电窗口
type wireWindow struct {
	StartTime    string  `json:"start_time"`
	EndTime      string  `json:"end_time"`
	ChargeAmount float64 `json:"charge_amount"`
}

// response 电价 API 响应
type response struct {
	Success bool `json:"success"`
	Data    struct {
		ChargingSchedule []wireWindow    `json:"chargingSchedule"`
		Summary          json.RawMessage `json:"summary"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// Client 电价计算服务客户端
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient 创建电价客户端
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// GetChargingSchedule 请求期望充电窗口列表。
// 返回空列表表示"不建议充电"，调用方按"保持现状"处理而非清空车载日程
func (c *Client) GetChargingSchedule(ctx context.Context, req Request) ([]models.DesiredWindow, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal pricing request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create pricing request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pricing request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing api failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var pr response
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode pricing response: %w", err)
	}
	if !pr.Success {
		return nil, fmt.Errorf("pricing api error: %s", pr.Error)
	}

	windows := make([]models.DesiredWindow, 0, len(pr.Data.ChargingSchedule))
	for _, w := range pr.Data.ChargingSchedule {
		start, err := time.Parse(time.RFC3339, w.StartTime)
		if err != nil {
			return nil, fmt.Errorf("parse window start %q: %w", w.StartTime, err)
		}
		end, err := time.Parse(time.RFC3339, w.EndTime)
		if err != nil {
			return nil, fmt.Errorf("parse window end %q: %w", w.EndTime, err)
		}
		windows = append(windows, models.DesiredWindow{
			Start:        start,
			End:          end,
			ChargeAmount: w.ChargeAmount,
		})
	}
	return windows, nil
}
