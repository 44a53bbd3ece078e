package secret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/langchou/teskeeper/internal/models"
)

// ErrNotFound 秘密存储中没有令牌记录
var ErrNotFound = errors.New("token record not found")

// Store Vault 后端的令牌记录存储。
// 整个系统只有一份令牌文档：Worker 独占写入，Scout 只读
type Store struct {
	client *api.Client
	path   string
}

// NewStore 创建 Vault 存储
func NewStore(address, token, path string) (*Store, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(token)

	return &Store{client: client, path: path}, nil
}

// Read 读取令牌记录
func (s *Store) Read(ctx context.Context) (*models.TokenRecord, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("read token record: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, ErrNotFound
	}

	record := &models.TokenRecord{}
	if v, ok := data["access_token"].(string); ok {
		record.AccessToken = v
	}
	if v, ok := data["refresh_token"].(string); ok {
		record.RefreshToken = v
	}
	if v, ok := data["expires_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			record.ExpiresAt = t
		}
	}
	if v, ok := data["obtained_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			record.ObtainedAt = t
		}
	}

	if record.RefreshToken == "" {
		return nil, ErrNotFound
	}
	return record, nil
}

// Write 整文档原子替换令牌记录
func (s *Store) Write(ctx context.Context, record *models.TokenRecord) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"access_token":  record.AccessToken,
			"refresh_token": record.RefreshToken,
			"expires_at":    record.ExpiresAt.Format(time.RFC3339),
			"obtained_at":   record.ObtainedAt.Format(time.RFC3339),
		},
	}
	if _, err := s.client.Logical().WriteWithContext(ctx, s.path, payload); err != nil {
		return fmt.Errorf("write token record: %w", err)
	}
	return nil
}

// Clear 清除令牌记录（刷新链断裂后人工介入前的终态）
func (s *Store) Clear(ctx context.Context) error {
	deletePath := strings.Replace(s.path, "/data/", "/metadata/", 1)
	if _, err := s.client.Logical().DeleteWithContext(ctx, deletePath); err != nil {
		return fmt.Errorf("clear token record: %w", err)
	}
	return nil
}

// MarshalRecord 调试用：序列化记录（访问令牌截断）
func MarshalRecord(record *models.TokenRecord) string {
	redacted := *record
	if len(redacted.AccessToken) > 8 {
		redacted.AccessToken = redacted.AccessToken[:8] + "..."
	}
	if redacted.RefreshToken != "" {
		redacted.RefreshToken = "<redacted>"
	}
	data, _ := json.Marshal(redacted)
	return string(data)
}
