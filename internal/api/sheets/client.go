package sheets

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

// 表格行状态
const (
	RowActive    = "ACTIVE"
	RowPlanned   = "PLANNED"
	RowCompleted = "COMPLETED"
	RowCancelled = "CANCELLED"
)

// Client 特殊充电请求表格客户端。
// 表格服务是外部协作方，这里只消费约定的 JSON 契约
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient 创建表格客户端
func NewClient(baseURL, serviceAccountKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
		apiKey:  serviceAccountKey,
	}
}

type listResponse struct {
	Rows []struct {
		Row           int    `json:"row"`
		Date          string `json:"date"`
		Time          string `json:"time"`
		TargetPercent int    `json:"target_percent"`
		Status        string `json:"status"`
		CreatedAt     string `json:"created_at"`
		UpdatedAt     string `json:"updated_at"`
	} `json:"rows"`
}

// ListRows 读取全部请求行
func (c *Client) ListRows(ctx context.Context) ([]models.SheetRow, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/rows", nil)
	if err != nil {
		return nil, fmt.Errorf("create sheet request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheet request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sheet api failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decode sheet response: %w", err)
	}

	rows := make([]models.SheetRow, 0, len(lr.Rows))
	for _, raw := range lr.Rows {
		row := models.SheetRow{
			Row:           raw.Row,
			Date:          raw.Date,
			Time:          raw.Time,
			TargetPercent: raw.TargetPercent,
			Status:        raw.Status,
		}
		if t, err := time.Parse(time.RFC3339, raw.CreatedAt); err == nil {
			row.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, raw.UpdatedAt); err == nil {
			row.UpdatedAt = t
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// UpdateStatus 回写行状态
func (c *Client) UpdateStatus(ctx context.Context, row int, status string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"row":    row,
		"status": status,
	})
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PATCH", c.baseURL+"/rows", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create status update: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status update request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sheet status update failed: row=%d status=%d body=%s", row, resp.StatusCode, string(body))
	}
	return nil
}
