package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/api/pricing"
	"github.com/langchou/teskeeper/internal/api/tesla"
	"github.com/langchou/teskeeper/internal/config"
	"github.com/langchou/teskeeper/internal/metrics"
	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/internal/repository"
	"github.com/langchou/teskeeper/pkg/ws"
)

// 周期动作
const (
	ActionNone              = "none"
	ActionReconciled        = "reconciled"
	ActionConditionBStarted = "condition_b_started"
	ActionWoken             = "woken"
	ActionSpecialDispatched = "special_dispatched"
	ActionSpecialCleaned    = "special_cleaned"
)

// PricingSource 电价服务（由 pricing.Client 实现）
type PricingSource interface {
	GetChargingSchedule(ctx context.Context, req pricing.Request) ([]models.DesiredWindow, error)
}

// CaseStore 条件 B 用例存储
type CaseStore interface {
	Get(ctx context.Context, vin string) (*models.WorkerCase, error)
	Upsert(ctx context.Context, c *models.WorkerCase) error
	Delete(ctx context.Context, vin string) error
}

// SessionStore 特殊充电会话存储
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.SpecialSession, error)
	Create(ctx context.Context, s *models.SpecialSession) error
	Update(ctx context.Context, s *models.SpecialSession) error
	ListByStatus(ctx context.Context, vin string, statuses ...string) ([]*models.SpecialSession, error)
}

// Broadcaster 诊断广播（由 ws.Hub 实现）
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
}

// Worker 监控周期服务：唯一会下发改变车辆状态命令的组件
type Worker struct {
	logger       *zap.Logger
	cfg          *config.Config
	gateway      VehicleGateway
	pricing      PricingSource
	reconciler   *Reconciler
	cases        CaseStore
	sessions     SessionStore
	fingerprints FingerprintStore
	hub          Broadcaster
	location     *time.Location
	vin          string

	now           func() time.Time
	postWakeDelay time.Duration // 唤醒后等待车端数据就绪
}

// NewWorker 创建监控周期服务
func NewWorker(
	logger *zap.Logger,
	cfg *config.Config,
	gateway VehicleGateway,
	pricingClient PricingSource,
	reconciler *Reconciler,
	cases CaseStore,
	sessions SessionStore,
	fingerprints FingerprintStore,
	hub Broadcaster,
	location *time.Location,
	vin string,
) *Worker {
	return &Worker{
		logger:        logger,
		cfg:           cfg,
		gateway:       gateway,
		pricing:       pricingClient,
		reconciler:    reconciler,
		cases:         cases,
		sessions:      sessions,
		fingerprints:  fingerprints,
		hub:           hub,
		location:      location,
		vin:           vin,
		now:           time.Now,
		postWakeDelay: 5 * time.Second,
	}
}

// CycleSummary 单次监控周期的结果
type CycleSummary struct {
	Result   string `json:"result"` // ok|skipped|failed
	Action   string `json:"action"`
	Skipped  string `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Battery  int    `json:"battery"`
	Ready    bool   `json:"ready"`
	Location string `json:"location"`
	Woken    bool   `json:"woken"`
}

// RunCycle 执行完整监控周期。
// 车辆离线时无条件先唤醒：Worker 调用昂贵且稀少，
// 浪费一个周期在离线车辆上比每次都唤醒更糟
func (w *Worker) RunCycle(ctx context.Context, reason string) *CycleSummary {
	summary := &CycleSummary{Result: "ok", Action: ActionNone, Reason: reason, Location: string(models.LocationUnknown)}

	// 步骤 1：预唤醒。廉价探测在线状态，离线则唤醒后重新读取完整快照
	snap, err := w.gateway.GetSnapshot(ctx, w.vin, false)
	if err != nil {
		return w.finish(summary, "failed", fmt.Sprintf("probe snapshot: %v", err))
	}
	if !snap.Online {
		metrics.WakeTotal.Inc()
		summary.Woken = true
		if err := w.gateway.WakeUp(ctx, w.vin); err != nil {
			// 唤醒超时不终止周期，带着离线快照继续并告警
			w.logger.Warn("wake up failed, proceeding with last known state", zap.Error(err))
		} else {
			select {
			case <-time.After(w.postWakeDelay):
			case <-ctx.Done():
			}
		}
	}

	snap, err = w.gateway.GetSnapshot(ctx, w.vin, true)
	if err != nil {
		return w.finish(summary, "failed", fmt.Sprintf("full snapshot: %v", err))
	}
	summary.Battery = snap.BatteryLevel
	summary.Ready = snap.IsChargingReady
	summary.Location = string(snap.LocationStatus)

	// 步骤 2：特殊充电会话进行中则完全让路
	if inProgress, err := w.specialChargingInProgress(ctx); err != nil {
		return w.finish(summary, "failed", fmt.Sprintf("check sessions: %v", err))
	} else if inProgress {
		summary.Skipped = "special charging in progress"
		return w.finish(summary, "skipped", "")
	}

	switch {
	// 步骤 3：条件 A，在线+在家+可充电 → 对账
	case snap.Online && snap.AtHome() && snap.IsChargingReady:
		if err := w.evaluateConditionA(ctx, snap, summary); err != nil {
			return w.finish(summary, "failed", err.Error())
		}

	// 步骤 4：条件 B，在线+在家+不可充电 → 开启监控用例
	case snap.Online && snap.AtHome() && !snap.IsChargingReady:
		if err := w.startConditionBCase(ctx, snap, summary); err != nil {
			return w.finish(summary, "failed", err.Error())
		}
	}

	if summary.Action == ActionNone && summary.Woken {
		summary.Action = ActionWoken
	}
	return w.finish(summary, summary.Result, "")
}

// evaluateConditionA 调用电价 API 并对账
func (w *Worker) evaluateConditionA(ctx context.Context, snap *models.Snapshot, summary *CycleSummary) error {
	windows, err := w.pricing.GetChargingSchedule(ctx, pricing.Request{
		BatteryLevel:    snap.BatteryLevel,
		BatteryCapacity: w.cfg.BatteryCapacityKWh,
		Consumption:     w.cfg.ConsumptionKWhPer100,
		DailyMileage:    w.cfg.DailyMileageKm,
		ChargeLimits: pricing.ChargeLimits{
			OptimalUpper: w.cfg.OptimalUpperPercent,
			OptimalLower: w.cfg.OptimalLowerPercent,
			Emergency:    w.cfg.EmergencyPercent,
			ChargingRate: w.cfg.ChargingRateKW,
		},
	})
	if err != nil {
		return fmt.Errorf("pricing api: %w", err)
	}

	// 空日程且此前有过非空指纹：按"电价服务不可用，保持现状"处理，
	// 绝不因此批量删除车载日程
	if len(windows) == 0 {
		cached, err := w.fingerprints.Get(ctx, w.vin)
		if err != nil {
			return fmt.Errorf("read fingerprint: %w", err)
		}
		if cached != "" {
			w.logger.Info("pricing returned empty schedule, keeping existing")
			return w.clearConditionBCase(ctx)
		}
	}

	result, err := w.reconciler.Reconcile(ctx, w.vin, windows)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if !result.Unchanged {
		summary.Action = ActionReconciled
		w.hub.BroadcastMessage(ws.MsgTypeReconcile, result)
	}
	return w.clearConditionBCase(ctx)
}

// startConditionBCase 无用例时创建新用例，不下发任何车辆命令
func (w *Worker) startConditionBCase(ctx context.Context, snap *models.Snapshot, summary *CycleSummary) error {
	_, err := w.cases.Get(ctx, w.vin)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("get case: %w", err)
	}

	if err := w.cases.Upsert(ctx, &models.WorkerCase{
		VIN:         w.vin,
		StartedAt:   w.now(),
		LastBattery: snap.BatteryLevel,
		LastReady:   snap.IsChargingReady,
	}); err != nil {
		return fmt.Errorf("create case: %w", err)
	}
	summary.Action = ActionConditionBStarted
	return nil
}

func (w *Worker) clearConditionBCase(ctx context.Context) error {
	if err := w.cases.Delete(ctx, w.vin); err != nil {
		return fmt.Errorf("clear case: %w", err)
	}
	return nil
}

// specialChargingInProgress 会话处于 ACTIVE，或计划窗口覆盖当前时刻
func (w *Worker) specialChargingInProgress(ctx context.Context) (bool, error) {
	sessions, err := w.sessions.ListByStatus(ctx, w.vin, models.SessionScheduled, models.SessionActive)
	if err != nil {
		return false, err
	}
	now := w.now()
	for _, s := range sessions {
		if s.Status == models.SessionActive {
			return true, nil
		}
		if !now.Before(s.PlannedChargeStart) && !now.After(s.PlannedChargeEnd) {
			return true, nil
		}
	}
	return false, nil
}

// MidnightWake 每日强制唤醒：独立于 Scout 的日级兜底
func (w *Worker) MidnightWake(ctx context.Context) *CycleSummary {
	metrics.WakeTotal.Inc()
	if err := w.gateway.WakeUp(ctx, w.vin); err != nil {
		w.logger.Warn("midnight wake failed", zap.Error(err))
	} else {
		select {
		case <-time.After(w.postWakeDelay):
		case <-ctx.Done():
		}
	}
	return w.RunCycle(ctx, "midnight wake")
}

// finish 落定结果并输出周期汇总行（每周期恰好一行）
func (w *Worker) finish(summary *CycleSummary, result, failure string) *CycleSummary {
	summary.Result = result
	if failure != "" {
		w.logger.Error("cycle failure", zap.String("detail", failure))
	}

	ready := "n"
	if summary.Ready {
		ready = "y"
	}
	w.logger.Info(fmt.Sprintf("[%s local] result=%s VIN=%s battery=%d%% ready=%s location=%s action=%s",
		w.now().In(w.location).Format("15:04"),
		summary.Result,
		lastFour(w.vin),
		summary.Battery,
		ready,
		summary.Location,
		summary.Action,
	))

	metrics.CyclesTotal.WithLabelValues(summary.Result).Inc()
	w.hub.BroadcastMessage(ws.MsgTypeCycleSummary, summary)
	return summary
}

func lastFour(vin string) string {
	if len(vin) <= 4 {
		return vin
	}
	return vin[len(vin)-4:]
}

var _ PricingSource = (*pricing.Client)(nil)
var _ VehicleGateway = (*tesla.Client)(nil)
