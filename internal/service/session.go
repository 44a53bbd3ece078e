package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/api/scheduler"
	"github.com/langchou/teskeeper/internal/api/tesla"
	"github.com/langchou/teskeeper/internal/metrics"
	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/internal/state"
	"github.com/langchou/teskeeper/pkg/geo"
	"github.com/langchou/teskeeper/pkg/ws"
)

// SessionService 特殊充电会话的派发与收尾。
// 同一会话的状态转换用按会话互斥锁串行化；
// 转换单调，重复派发/收尾是幂等空操作
type SessionService struct {
	logger   *zap.Logger
	gateway  VehicleGateway
	sessions SessionStore
	jobs     JobScheduler
	machines *state.Manager
	hub      Broadcaster
	home     geo.Home
	location *time.Location
	vin      string

	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionService 创建会话服务
func NewSessionService(
	logger *zap.Logger,
	gateway VehicleGateway,
	sessions SessionStore,
	jobs JobScheduler,
	machines *state.Manager,
	hub Broadcaster,
	home geo.Home,
	location *time.Location,
	vin string,
) *SessionService {
	return &SessionService{
		logger:   logger,
		gateway:  gateway,
		sessions: sessions,
		jobs:     jobs,
		machines: machines,
		hub:      hub,
		home:     home,
		location: location,
		vin:      vin,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *SessionService) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[sessionID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[sessionID] = l
	return l
}

// Dispatch 由 send 作业触发：提升充电上限、唤醒、写入计划日程、
// 会话转 ACTIVE、删除 send 作业。失败时作业不自删，由外部调度器重试
func (s *SessionService) Dispatch(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status != models.SessionScheduled {
		// 重复触发：终态或已派发，幂等返回
		s.logger.Info("dispatch skipped, session not scheduled",
			zap.String("session_id", sessionID),
			zap.String("status", session.Status))
		return nil
	}

	snap, err := s.gateway.GetSnapshot(ctx, s.vin, false)
	if err != nil {
		return fmt.Errorf("snapshot before dispatch: %w", err)
	}

	if session.TargetPercent > snap.CurrentChargeLimit {
		if session.OriginalChargeLimit == 0 {
			session.OriginalChargeLimit = snap.CurrentChargeLimit
		}
		if err := s.gateway.SetChargeLimit(ctx, s.vin, session.TargetPercent); err != nil && !errors.Is(err, tesla.ErrAlreadySet) {
			return fmt.Errorf("raise charge limit: %w", err)
		}
	}

	metrics.WakeTotal.Inc()
	if err := s.gateway.WakeUp(ctx, s.vin); err != nil {
		s.logger.Warn("wake before dispatch failed", zap.Error(err))
	}

	// 只写入计划窗口这一条日程，不清其它家日程：
	// 会话 ACTIVE 期间对账引擎被抑制，多条日程并存是可接受的
	_, err = s.gateway.AddChargeSchedule(ctx, s.vin, models.ChargeSchedule{
		Enabled:          true,
		StartEnabled:     true,
		StartTimeMinutes: localMinutes(session.PlannedChargeStart, s.location),
		EndEnabled:       true,
		EndTimeMinutes:   localMinutes(session.PlannedChargeEnd, s.location),
		DaysOfWeek:       "All",
		Latitude:         s.home.Latitude,
		Longitude:        s.home.Longitude,
		OneTime:          true,
	})
	if err != nil {
		return fmt.Errorf("write session schedule: %w", err)
	}

	machine := s.machines.GetOrCreate(sessionID, session.Status)
	if err := machine.Trigger(state.EventActivate); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	session.Status = models.SessionActive
	if err := s.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("persist active session: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues("active").Inc()
	s.hub.BroadcastMessage(ws.MsgTypeSessionEvent, session)

	if err := s.jobs.DeleteJob(ctx, session.SendJobName); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		// 会话已激活，作业删除失败交给下次计划器的孤儿清理
		s.logger.Warn("self-delete send job failed", zap.String("job", session.SendJobName), zap.Error(err))
	}

	s.logger.Info("special charging dispatched",
		zap.String("session_id", sessionID),
		zap.Int("target_percent", session.TargetPercent))
	return nil
}

// Cleanup 由 cleanup 作业触发：恢复原充电上限、会话转 COMPLETED、
// 删除 cleanup 作业
func (s *SessionService) Cleanup(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status != models.SessionActive {
		s.logger.Info("cleanup skipped, session not active",
			zap.String("session_id", sessionID),
			zap.String("status", session.Status))
		return nil
	}

	if session.OriginalChargeLimit > 0 {
		if err := s.gateway.SetChargeLimit(ctx, s.vin, session.OriginalChargeLimit); err != nil && !errors.Is(err, tesla.ErrAlreadySet) {
			return fmt.Errorf("restore charge limit: %w", err)
		}
	}

	machine := s.machines.GetOrCreate(sessionID, session.Status)
	if err := machine.Trigger(state.EventComplete); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	completedAt := s.now()
	session.Status = models.SessionCompleted
	session.CompletedAt = &completedAt
	if err := s.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("persist completed session: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues("completed").Inc()
	s.hub.BroadcastMessage(ws.MsgTypeSessionEvent, session)
	s.machines.Remove(sessionID)

	if err := s.jobs.DeleteJob(ctx, session.CleanupJobName); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		s.logger.Warn("self-delete cleanup job failed", zap.String("job", session.CleanupJobName), zap.Error(err))
	}

	s.logger.Info("special charging session completed",
		zap.String("session_id", sessionID),
		zap.Int("restored_limit", session.OriginalChargeLimit))
	return nil
}
