package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/api/scheduler"
	"github.com/langchou/teskeeper/internal/api/sheets"
	"github.com/langchou/teskeeper/internal/config"
	"github.com/langchou/teskeeper/internal/metrics"
	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/internal/repository"
	"github.com/langchou/teskeeper/internal/state"
)

const (
	fullBufferHours    = 1.5
	reducedBufferHours = 0.5
	planHorizon        = 48 * time.Hour
	staleActiveGrace   = 2 * time.Hour
	sendLeadTime       = 30 * time.Minute
	minSendDelay       = 2 * time.Minute

	sendJobPrefix    = "special-charging-"
	cleanupJobPrefix = "special-cleanup-"
)

// SheetSource 特殊充电请求表格（由 sheets.Client 实现）
type SheetSource interface {
	ListRows(ctx context.Context) ([]models.SheetRow, error)
	UpdateStatus(ctx context.Context, row int, status string) error
}

// JobScheduler 动态调度器（由 scheduler.Client 实现）
type JobScheduler interface {
	CreateJob(ctx context.Context, req scheduler.CreateRequest) error
	DeleteJob(ctx context.Context, name string) error
	ListJobs(ctx context.Context, prefix string) ([]string, error)
}

// Planner 特殊充电计划器：每日读表、规划会话并创建动态作业
type Planner struct {
	logger   *zap.Logger
	cfg      *config.Config
	gateway  VehicleGateway
	sheet    SheetSource
	jobs     JobScheduler
	sessions SessionStore
	machines *state.Manager
	location *time.Location
	vin      string

	now func() time.Time
}

// NewPlanner 创建计划器
func NewPlanner(
	logger *zap.Logger,
	cfg *config.Config,
	gateway VehicleGateway,
	sheet SheetSource,
	jobs JobScheduler,
	sessions SessionStore,
	machines *state.Manager,
	location *time.Location,
	vin string,
) *Planner {
	return &Planner{
		logger:   logger,
		cfg:      cfg,
		gateway:  gateway,
		sheet:    sheet,
		jobs:     jobs,
		sessions: sessions,
		machines: machines,
		location: location,
		vin:      vin,
		now:      time.Now,
	}
}

// PlanReport 一次每日检查的汇总
type PlanReport struct {
	Planned        int `json:"planned"`
	SkippedRows    int `json:"skipped_rows"`
	StaleFailed    int `json:"stale_failed"`
	OrphansRemoved int `json:"orphans_removed"`
}

// DailyCheck 每日 23:00 触发：清理过期会话与孤儿作业，
// 然后为未来 48 小时内的新请求行规划会话
func (p *Planner) DailyCheck(ctx context.Context) (*PlanReport, error) {
	report := &PlanReport{}

	staleFailed, err := p.sweepStaleSessions(ctx)
	if err != nil {
		p.logger.Error("stale session sweep", zap.Error(err))
	}
	report.StaleFailed = staleFailed

	orphans, err := p.sweepOrphanJobs(ctx)
	if err != nil {
		p.logger.Error("orphan job sweep", zap.Error(err))
	}
	report.OrphansRemoved = orphans

	rows, err := p.sheet.ListRows(ctx)
	if err != nil {
		return report, fmt.Errorf("read sheet: %w", err)
	}

	snap, err := p.gateway.GetSnapshot(ctx, p.vin, false)
	if err != nil {
		return report, fmt.Errorf("snapshot for planning: %w", err)
	}

	now := p.now()
	for _, row := range rows {
		if row.Status != sheets.RowActive {
			continue
		}
		if row.TargetPercent < 50 || row.TargetPercent > 100 {
			p.logger.Warn("target percent out of range, skipping row",
				zap.Int("row", row.Row),
				zap.Int("target_percent", row.TargetPercent))
			report.SkippedRows++
			continue
		}
		targetAt, err := row.TargetAt(p.location)
		if err != nil {
			p.logger.Warn("unparseable sheet row", zap.Int("row", row.Row), zap.Error(err))
			report.SkippedRows++
			continue
		}
		if targetAt.Before(now) || targetAt.After(now.Add(planHorizon)) {
			report.SkippedRows++
			continue
		}

		sessionID := models.SessionID(row.Row, targetAt)
		if _, err := p.sessions.Get(ctx, sessionID); err == nil {
			report.SkippedRows++
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			p.logger.Error("session lookup", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}

		if err := p.planRow(ctx, row, targetAt, sessionID, snap, now); err != nil {
			p.logger.Error("plan row failed", zap.Int("row", row.Row), zap.Error(err))
			continue
		}
		report.Planned++
	}
	return report, nil
}

// planRow 为单行规划会话并创建 send/cleanup 两个作业
func (p *Planner) planRow(ctx context.Context, row models.SheetRow, targetAt time.Time, sessionID string, snap *models.Snapshot, now time.Time) error {
	requiredKWh := float64(row.TargetPercent-snap.BatteryLevel) / 100 * p.cfg.BatteryCapacityKWh
	if requiredKWh <= 0 {
		// 电量已达标，行直接完成
		if err := p.sheet.UpdateStatus(ctx, row.Row, sheets.RowCompleted); err != nil {
			return fmt.Errorf("mark row completed: %w", err)
		}
		return nil
	}

	chargeHours := requiredKWh / p.cfg.ChargingRateKW
	plan := PlanWindow(now, targetAt, chargeHours, p.cfg.PeakIntervals, p.location)

	p.logger.Info("planned special charging window",
		zap.String("session_id", sessionID),
		zap.String("strategy", plan.Strategy),
		zap.Time("start", plan.Start),
		zap.Time("end", plan.End),
		zap.Float64("peak_collision_fraction", plan.CollisionFraction))

	sendAt := plan.Start.Add(-sendLeadTime)
	if sendAt.Before(now.Add(minSendDelay)) {
		sendAt = now.Add(minSendDelay)
	}

	session := &models.SpecialSession{
		SessionID:           sessionID,
		VIN:                 p.vin,
		Status:              models.SessionScheduled,
		TargetPercent:       row.TargetPercent,
		TargetAt:            targetAt,
		PlannedChargeStart:  plan.Start,
		PlannedChargeEnd:    plan.End,
		SendAt:              sendAt,
		OriginalChargeLimit: snap.CurrentChargeLimit,
		SendJobName:         sendJobPrefix + sessionID,
		CleanupJobName:      cleanupJobPrefix + sessionID,
		Strategy:            plan.Strategy,
	}
	if err := p.sessions.Create(ctx, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	p.machines.GetOrCreate(sessionID, models.SessionScheduled)
	metrics.SessionsTotal.WithLabelValues("scheduled").Inc()

	if err := p.createJob(ctx, session.SendJobName, sendAt, "/send-special-schedule", sessionID); err != nil {
		return fmt.Errorf("create send job: %w", err)
	}
	if err := p.createJob(ctx, session.CleanupJobName, plan.End.Add(sendLeadTime), "/cleanup-single-session", sessionID); err != nil {
		return fmt.Errorf("create cleanup job: %w", err)
	}

	if err := p.sheet.UpdateStatus(ctx, row.Row, sheets.RowPlanned); err != nil {
		return fmt.Errorf("mark row planned: %w", err)
	}
	return nil
}

// createJob 在外部调度器创建精确到分钟的一次性作业
func (p *Planner) createJob(ctx context.Context, name string, at time.Time, path, sessionID string) error {
	local := at.In(p.location)
	return p.jobs.CreateJob(ctx, scheduler.CreateRequest{
		Name:                name,
		Cron:                fmt.Sprintf("%d %d %d %d *", local.Minute(), local.Hour(), local.Day(), int(local.Month())),
		TimeZone:            p.cfg.Timezone,
		URI:                 p.cfg.WorkerURL + path,
		Body:                map[string]string{"session_id": sessionID},
		ServiceAccountEmail: p.cfg.ServiceAccountEmail,
	})
}

// sweepStaleSessions 超过计划结束 2 小时仍 ACTIVE 的会话转 FAILED
func (p *Planner) sweepStaleSessions(ctx context.Context) (int, error) {
	active, err := p.sessions.ListByStatus(ctx, p.vin, models.SessionActive)
	if err != nil {
		return 0, err
	}

	failed := 0
	now := p.now()
	for _, s := range active {
		if now.Before(s.PlannedChargeEnd.Add(staleActiveGrace)) {
			continue
		}
		machine := p.machines.GetOrCreate(s.SessionID, s.Status)
		if err := machine.Trigger(state.EventFail); err != nil {
			p.logger.Error("fail stale session", zap.String("session_id", s.SessionID), zap.Error(err))
			continue
		}
		s.Status = models.SessionFailed
		if err := p.sessions.Update(ctx, s); err != nil {
			p.logger.Error("persist failed session", zap.String("session_id", s.SessionID), zap.Error(err))
			continue
		}
		metrics.SessionsTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("stale active session marked failed", zap.String("session_id", s.SessionID))
		failed++
	}
	return failed, nil
}

// sweepOrphanJobs 删除没有对应待处理会话的 special-* 作业。
// 作业自删失败时由这里兜底，保证活跃作业集合只含待处理会话
func (p *Planner) sweepOrphanJobs(ctx context.Context) (int, error) {
	names, err := p.jobs.ListJobs(ctx, "special-")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range names {
		sessionID := strings.TrimPrefix(strings.TrimPrefix(name, sendJobPrefix), cleanupJobPrefix)
		session, err := p.sessions.Get(ctx, sessionID)
		pending := err == nil &&
			(session.Status == models.SessionScheduled || session.Status == models.SessionActive)
		if pending {
			continue
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			p.logger.Error("orphan lookup", zap.String("job", name), zap.Error(err))
			continue
		}
		if err := p.jobs.DeleteJob(ctx, name); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			p.logger.Error("delete orphan job", zap.String("job", name), zap.Error(err))
			continue
		}
		p.logger.Info("removed orphan job", zap.String("job", name))
		removed++
	}
	return removed, nil
}

// Plan 选定的充电窗口
type Plan struct {
	Start             time.Time
	End               time.Time
	Strategy          string // S1-S4
	CollisionFraction float64
}

// PlanWindow 四级策略级联选窗。
// S1 最晚可行窗口完全避峰；S2 更早的完全避峰窗口；
// S3 峰时重叠不超过一半；S4 保证按时完成，缓冲降到 0.5h，允许撞峰
func PlanWindow(now, targetAt time.Time, chargeHours float64, peaks []config.PeakInterval, loc *time.Location) *Plan {
	fullDur := durationHours(chargeHours + fullBufferHours)
	latestStart := targetAt.Add(-fullDur)
	earliest := now.Add(minSendDelay)

	// S1/S2：窗口结束不晚于 latestStart，从最晚候选按半小时回溯
	first := true
	for start := roundDownHalfHour(latestStart.Add(-fullDur), loc); !start.Before(earliest); start = start.Add(-30 * time.Minute) {
		end := start.Add(fullDur)
		if peakOverlap(start, end, peaks, loc) == 0 {
			strategy := "S2"
			if first {
				strategy = "S1"
			}
			return &Plan{Start: start, End: end, Strategy: strategy}
		}
		first = false
	}

	// S3：同一候选序列，接受峰时重叠 ≤ 50%
	for start := roundDownHalfHour(latestStart.Add(-fullDur), loc); !start.Before(earliest); start = start.Add(-30 * time.Minute) {
		end := start.Add(fullDur)
		overlap := peakOverlap(start, end, peaks, loc)
		if overlap <= fullDur/2 {
			return &Plan{
				Start:             start,
				End:               end,
				Strategy:          "S3",
				CollisionFraction: fraction(overlap, fullDur),
			}
		}
	}

	// S4：兜底。目标电量永不降低，宁可撞峰也要按时充满
	start := roundDownHalfHour(targetAt.Add(-fullDur), loc)
	if start.Before(earliest) {
		start = earliest
	}
	end := start.Add(fullDur)
	if end.After(targetAt) {
		end = start.Add(durationHours(chargeHours + reducedBufferHours))
	}
	if end.After(targetAt) {
		end = targetAt
	}
	dur := end.Sub(start)
	return &Plan{
		Start:             start,
		End:               end,
		Strategy:          "S4",
		CollisionFraction: fraction(peakOverlap(start, end, peaks, loc), dur),
	}
}

func durationHours(hours float64) time.Duration {
	return time.Duration(math.Round(hours*60)) * time.Minute
}

func fraction(part, whole time.Duration) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// roundDownHalfHour 本地时间向下取整到半小时
func roundDownHalfHour(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute()-local.Minute()%30, 0, 0, loc)
}

// peakOverlap 窗口与峰时区间的重叠总时长
func peakOverlap(start, end time.Time, peaks []config.PeakInterval, loc *time.Location) time.Duration {
	var total time.Duration
	localStart := start.In(loc)
	day := time.Date(localStart.Year(), localStart.Month(), localStart.Day(), 0, 0, 0, 0, loc)
	for !day.After(end) {
		for _, p := range peaks {
			peakStart := day.Add(time.Duration(p.StartMinutes) * time.Minute)
			peakEnd := day.Add(time.Duration(p.EndMinutes) * time.Minute)
			total += intersection(start, end, peakStart, peakEnd)
		}
		day = day.AddDate(0, 0, 1)
	}
	return total
}

func intersection(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.After(start) {
		return end.Sub(start)
	}
	return 0
}

var _ SheetSource = (*sheets.Client)(nil)
var _ JobScheduler = (*scheduler.Client)(nil)
