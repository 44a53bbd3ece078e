package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/models"
)

// ErrNeedsReauthorization 刷新链已断裂，需要人工重新授权
var ErrNeedsReauthorization = errors.New("needs reauthorization")

// MinValidity 令牌的最小剩余有效期；低于此值触发刷新
const MinValidity = 5 * time.Minute

// RecordStore 令牌记录的持久化存储（Vault）
type RecordStore interface {
	Read(ctx context.Context) (*models.TokenRecord, error)
	Write(ctx context.Context, record *models.TokenRecord) error
	Clear(ctx context.Context) error
}

// Broker 令牌代理：刷新令牌消费的唯一串行化点。
// 上游 OAuth 把刷新令牌视为一次性；两个进程并发刷新会永久作废整条链，
// 因此刷新必须经由这里的进程级互斥锁
type Broker struct {
	logger     *zap.Logger
	store      RecordStore
	httpClient *http.Client
	authHost   string
	clientID   string

	mu     sync.Mutex
	cached *models.TokenRecord

	now func() time.Time // 测试可覆盖
}

// NewBroker 创建令牌代理
func NewBroker(logger *zap.Logger, store RecordStore, authHost, clientID string) *Broker {
	return &Broker{
		logger: logger,
		store:  store,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		authHost: authHost,
		clientID: clientID,
		now:      time.Now,
	}
}

// AccessToken 返回剩余有效期不少于 5 分钟的访问令牌，必要时刷新
func (b *Broker) AccessToken(ctx context.Context) (string, error) {
	record, err := b.loadRecord(ctx)
	if err == nil && record.Remaining(b.now()) >= MinValidity {
		return record.AccessToken, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// 双重检查：等锁期间可能已有人完成刷新
	record, err = b.reloadLocked(ctx)
	if err == nil && record.Remaining(b.now()) >= MinValidity {
		return record.AccessToken, nil
	}
	if err != nil {
		return "", err
	}

	refreshed, err := b.refreshLocked(ctx, record)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh 忽略缓存年龄强制刷新。Worker 的刷新端点使用
func (b *Broker) ForceRefresh(ctx context.Context, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, err := b.reloadLocked(ctx)
	if err != nil {
		return err
	}

	b.logger.Info("Forcing token refresh", zap.String("reason", reason))
	_, err = b.refreshLocked(ctx, record)
	return err
}

// Remaining 当前令牌的剩余有效期
func (b *Broker) Remaining(ctx context.Context) (time.Duration, error) {
	record, err := b.loadRecord(ctx)
	if err != nil {
		return 0, err
	}
	return record.Remaining(b.now()), nil
}

// loadRecord 优先使用进程内缓存
func (b *Broker) loadRecord(ctx context.Context) (*models.TokenRecord, error) {
	b.mu.Lock()
	cached := b.cached
	b.mu.Unlock()

	if cached != nil {
		return cached, nil
	}
	return b.store.Read(ctx)
}

// reloadLocked 持锁时从存储重读
func (b *Broker) reloadLocked(ctx context.Context) (*models.TokenRecord, error) {
	record, err := b.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("load token record: %w", err)
	}
	b.cached = record
	return record, nil
}

// tokenResponse OAuth 令牌端点响应
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshLocked 持锁执行刷新：成功后先持久化再返回。
// 授权失败清除记录并返回 NeedsReauthorization；瞬时错误重试一次
func (b *Broker) refreshLocked(ctx context.Context, record *models.TokenRecord) (*models.TokenRecord, error) {
	resp, err := b.callRefresh(ctx, record.RefreshToken)
	if err != nil {
		var authErr *authFailure
		if errors.As(err, &authErr) {
			b.logger.Error("Refresh chain broken, clearing token record", zap.String("body", authErr.body))
			if clearErr := b.store.Clear(ctx); clearErr != nil {
				b.logger.Error("Failed to clear token record", zap.Error(clearErr))
			}
			b.cached = nil
			return nil, ErrNeedsReauthorization
		}
		// 瞬时失败重试一次
		resp, err = b.callRefresh(ctx, record.RefreshToken)
		if err != nil {
			if errors.As(err, &authErr) {
				b.cached = nil
				return nil, ErrNeedsReauthorization
			}
			return nil, fmt.Errorf("refresh token: %w", err)
		}
	}

	now := b.now()
	newRecord := &models.TokenRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		ObtainedAt:   now,
	}
	if newRecord.RefreshToken == "" {
		newRecord.RefreshToken = record.RefreshToken
	}

	if err := b.store.Write(ctx, newRecord); err != nil {
		return nil, fmt.Errorf("persist token record: %w", err)
	}
	b.cached = newRecord

	b.logger.Info("Token refreshed",
		zap.Time("expires_at", newRecord.ExpiresAt))
	return newRecord, nil
}

// authFailure OAuth 端点的 4xx 授权失败
type authFailure struct {
	status int
	body   string
}

func (e *authFailure) Error() string {
	return fmt.Sprintf("oauth refresh rejected: status=%d body=%s", e.status, e.body)
}

// callRefresh 调用 OAuth 令牌端点
func (b *Broker) callRefresh(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", b.clientID)
	data.Set("refresh_token", refreshToken)
	data.Set("scope", "openid vehicle_device_data vehicle_cmds vehicle_charging_cmds offline_access")

	req, err := http.NewRequestWithContext(ctx, "POST", b.authHost+"/oauth2/v3/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &authFailure{status: resp.StatusCode, body: string(body)}
	default:
		return nil, fmt.Errorf("refresh token failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tr, nil
}
