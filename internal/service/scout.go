package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/internal/repository"
	"github.com/langchou/teskeeper/internal/secret"
	"github.com/langchou/teskeeper/internal/token"
)

// 触发原因字符串
const (
	ReasonReturnedHome   = "returned home"
	ReasonInitState      = "init state"
	ReasonConditionA     = "Condition A ready"
	ReasonConditionBWake = "Condition B — vehicle OFFLINE, wake and re-check"
)

// ScoutStateStore Scout 状态存储
type ScoutStateStore interface {
	Get(ctx context.Context, vin string) (*models.ScoutState, error)
	Upsert(ctx context.Context, state *models.ScoutState) error
	TouchRefreshCall(ctx context.Context, vin string, at time.Time) error
}

// SecretReader 令牌记录只读访问（Scout 永远不写秘密存储）
type SecretReader interface {
	Read(ctx context.Context) (*models.TokenRecord, error)
}

// Scout 低成本高频巡检：只在有意义的状态变化时叫醒 Worker。
// 每次调用都是全新进程，不持有任何内存状态
type Scout struct {
	logger     *zap.Logger
	secrets    SecretReader
	states     ScoutStateStore
	sessions   SessionStore
	gateway    VehicleGateway
	httpClient *http.Client
	workerURL  string
	authToken  string
	vin        string

	now func() time.Time

	mu        sync.Mutex
	lastState *models.ScoutState // 本次调用加载的前状态，令牌限速用
	cached    *models.TokenRecord
}

// NewScout 创建 Scout
func NewScout(
	logger *zap.Logger,
	secrets SecretReader,
	states ScoutStateStore,
	sessions SessionStore,
	workerURL, authToken, vin string,
) *Scout {
	return &Scout{
		logger:  logger,
		secrets: secrets,
		states:  states,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		sessions:  sessions,
		workerURL: workerURL,
		authToken: authToken,
		vin:       vin,
		now:       time.Now,
	}
}

// SetGateway 注入车辆网关。网关的令牌来源就是 Scout 自身，
// 构造存在环依赖，只能后置注入
func (s *Scout) SetGateway(g VehicleGateway) {
	s.gateway = g
}

// ScoutResult 单次巡检结果（可观测性用的小 JSON）
type ScoutResult struct {
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
	Online    bool   `json:"online"`
	AtHome    bool   `json:"at_home"`
	Ready     bool   `json:"ready"`
	Battery   int    `json:"battery"`
	Wrote     bool   `json:"wrote_state"`
}

// Run 执行一次巡检
func (s *Scout) Run(ctx context.Context) (*ScoutResult, error) {
	prev, err := s.states.Get(ctx, s.vin)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("load scout state: %w", err)
		}
		prev = nil
	}
	s.mu.Lock()
	s.lastState = prev
	s.mu.Unlock()

	snap, err := s.gateway.GetSnapshot(ctx, s.vin, true)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	sessionActive, err := s.hasActiveSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("check sessions: %w", err)
	}

	reason, triggered := DecideTrigger(prev, snap, sessionActive)
	result := &ScoutResult{
		Triggered: triggered,
		Reason:    reason,
		Online:    snap.Online,
		AtHome:    snap.AtHome(),
		Ready:     snap.IsChargingReady,
		Battery:   snap.BatteryLevel,
	}

	if triggered {
		// 单次尝试，失败只记日志：下次巡检会重新判定
		if err := s.invokeWorker(ctx, reason, snap); err != nil {
			s.logger.Error("invoke worker failed", zap.String("reason", reason), zap.Error(err))
		}
	}

	result.Wrote = s.persistState(ctx, prev, snap)
	return result, nil
}

// DecideTrigger 判定是否唤起 Worker。
// ACTIVE 会话存在时绝不触发，避免扰动进行中的特殊充电
func DecideTrigger(prev *models.ScoutState, snap *models.Snapshot, sessionActive bool) (string, bool) {
	if sessionActive {
		return "", false
	}
	if prev == nil {
		return ReasonInitState, true
	}
	if !prev.AtHome && snap.AtHome() {
		return ReasonReturnedHome, true
	}
	if snap.Online && snap.AtHome() && snap.IsChargingReady &&
		!(prev.Online && prev.AtHome && prev.IsChargingReady) {
		return ReasonConditionA, true
	}
	// 条件 B 离线沿：此前在线在家未就绪，现在离线。
	// 离线快照拿不到 GPS，只要没有明确驶离就按仍在家处理
	if prev.Online && prev.AtHome && !prev.IsChargingReady &&
		!snap.Online && snap.LocationStatus != models.LocationOutside {
		return ReasonConditionBWake, true
	}
	return "", false
}

// persistState 按写入最小化规则落库：
// 在线必写；离线仅在 在线→离线 沿上写一次；其余不写
func (s *Scout) persistState(ctx context.Context, prev *models.ScoutState, snap *models.Snapshot) bool {
	onlineToOffline := prev != nil && prev.Online && !snap.Online
	if !snap.Online && !onlineToOffline {
		return false
	}

	state := &models.ScoutState{
		VIN:             s.vin,
		Latitude:        snap.Latitude,
		Longitude:       snap.Longitude,
		AtHome:          snap.AtHome(),
		Online:          snap.Online,
		BatteryLevel:    snap.BatteryLevel,
		ChargingState:   snap.ChargingState,
		IsChargingReady: snap.IsChargingReady,
	}
	if prev != nil {
		state.LastRefreshCall = prev.LastRefreshCall
		// 离线沿写入保留上一次的位置判定
		if onlineToOffline && snap.LocationStatus == models.LocationUnknown {
			state.AtHome = prev.AtHome
			state.Latitude = prev.Latitude
			state.Longitude = prev.Longitude
		}
	}

	if err := s.states.Upsert(ctx, state); err != nil {
		s.logger.Error("persist scout state", zap.Error(err))
		return false
	}
	return true
}

func (s *Scout) hasActiveSession(ctx context.Context) (bool, error) {
	sessions, err := s.sessions.ListByStatus(ctx, s.vin, models.SessionActive)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// invokeWorker 认证调用 Worker 的 /run-cycle
func (s *Scout) invokeWorker(ctx context.Context, reason string, snap *models.Snapshot) error {
	payload, err := json.Marshal(map[string]interface{}{
		"reason":           reason,
		"snapshot_summary": snap,
	})
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.workerURL+"/run-cycle", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.authToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
	return nil
}

// ----- 令牌读取路径（实现 tesla.TokenSource） -----

// scoutRefreshRateLimit 两次升级刷新之间的最小间隔
const scoutRefreshRateLimit = 60 * time.Second

// emergencyThreshold 低于该剩余时间走紧急通道，跳过限速
const emergencyThreshold = 60 * time.Second

// AccessToken 直接读秘密存储，快过期时升级给 Worker 刷新。
// Scout 永远是消费者，自己绝不执行 OAuth 刷新
func (s *Scout) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.cached.Remaining(s.now()) >= token.MinValidity {
		return s.cached.AccessToken, nil
	}

	rec, err := s.secrets.Read(ctx)
	missing := errors.Is(err, secret.ErrNotFound) || (err == nil && rec.AccessToken == "")
	if err != nil && !missing {
		return "", fmt.Errorf("read token record: %w", err)
	}

	if !missing && rec.Remaining(s.now()) >= token.MinValidity {
		s.cached = rec
		return rec.AccessToken, nil
	}

	emergency := missing || (rec != nil && rec.Remaining(s.now()) < emergencyThreshold)
	if !emergency && s.withinRateLimit() {
		// 限速窗口内不再升级；令牌仍可用几分钟，下次巡检会处理
		if rec != nil && rec.AccessToken != "" {
			s.cached = rec
			return rec.AccessToken, nil
		}
		return "", fmt.Errorf("token record missing and refresh rate-limited")
	}

	rec, err = s.escalateRefresh(ctx, emergency)
	if err != nil {
		return "", err
	}
	s.cached = rec
	return rec.AccessToken, nil
}

// ForceRefresh 网关 401 时的强制刷新路径
func (s *Scout) ForceRefresh(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Warn("forced token refresh", zap.String("reason", reason))
	rec, err := s.escalateRefresh(ctx, true)
	if err != nil {
		return err
	}
	s.cached = rec
	return nil
}

func (s *Scout) withinRateLimit() bool {
	if s.lastState == nil || s.lastState.LastRefreshCall.IsZero() {
		return false
	}
	return s.now().Sub(s.lastState.LastRefreshCall) < scoutRefreshRateLimit
}

// escalateRefresh 请求 Worker 刷新令牌，清缓存，等待后重读
func (s *Scout) escalateRefresh(ctx context.Context, emergency bool) (*models.TokenRecord, error) {
	path := "/refresh-tokens"
	if emergency {
		path = "/emergency-refresh-tokens"
	}

	if err := s.states.TouchRefreshCall(ctx, s.vin, s.now()); err != nil {
		s.logger.Warn("record refresh call time", zap.Error(err))
	}

	refreshCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(refreshCtx, "POST", s.workerURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.authToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh escalation: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker refresh returned status %d", resp.StatusCode)
	}

	s.cached = nil
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rec, err := s.secrets.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-read token record: %w", err)
	}
	return rec, nil
}
