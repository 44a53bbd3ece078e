package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/api/scheduler"
	"github.com/langchou/teskeeper/internal/api/sheets"
	"github.com/langchou/teskeeper/internal/config"
	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/internal/state"
)

func defaultPeaks() []config.PeakInterval {
	return []config.PeakInterval{
		{StartMinutes: 6 * 60, EndMinutes: 10 * 60},  // 06:00-10:00
		{StartMinutes: 19 * 60, EndMinutes: 22 * 60}, // 19:00-22:00
	}
}

// 最优策略：目标 07:00 充到 85%，当前 60% → S1 窗口 00:30-03:42
func TestPlanWindowOptimal(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 23, 0, 0, 0, loc)
	targetAt := time.Date(2025, 1, 22, 7, 0, 0, 0, loc)
	chargeHours := float64(85-60) / 100 * 75 / 11 // ≈1.70h

	plan := PlanWindow(now, targetAt, chargeHours, defaultPeaks(), loc)
	assert.Equal(t, "S1", plan.Strategy)
	assert.Equal(t, time.Date(2025, 1, 22, 0, 30, 0, 0, loc), plan.Start)
	assert.Equal(t, time.Date(2025, 1, 22, 3, 42, 0, 0, loc), plan.End)
	assert.Zero(t, plan.CollisionFraction)
}

// 兜底策略：目标 05:30 充到 85%，当前 20% → 全缓冲窗口放不下，S4 撞线完成
func TestPlanWindowFallback(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 23, 0, 0, 0, loc)
	targetAt := time.Date(2025, 1, 22, 5, 30, 0, 0, loc)
	chargeHours := float64(85-20) / 100 * 75 / 11 // ≈4.43h

	plan := PlanWindow(now, targetAt, chargeHours, defaultPeaks(), loc)
	assert.Equal(t, "S4", plan.Strategy)
	assert.False(t, plan.Start.Before(now), "window cannot start in the past")
	assert.False(t, plan.End.After(targetAt), "must complete by the target")
}

// 早窗口策略：最晚候选撞峰但更早的候选避开
func TestPlanWindowEarlier(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 8, 0, 0, 0, loc)
	targetAt := time.Date(2025, 1, 21, 23, 30, 0, 0, loc)
	// 2h 充电 + 1.5h 缓冲 = 3.5h；最晚候选落在 19:00-22:00 峰内，回溯可避开
	plan := PlanWindow(now, targetAt, 2, defaultPeaks(), loc)
	assert.Equal(t, "S2", plan.Strategy)
	assert.Zero(t, plan.CollisionFraction)
	assert.False(t, plan.End.After(targetAt))
}

// 最小冲突策略：避不开峰时但重叠不超过一半
func TestPlanWindowMinimalCollision(t *testing.T) {
	loc := warsaw(t)
	peaks := []config.PeakInterval{{StartMinutes: 2 * 60, EndMinutes: 3 * 60}} // 02:00-03:00
	now := time.Date(2025, 1, 22, 0, 50, 0, 0, loc)
	targetAt := time.Date(2025, 1, 22, 7, 0, 0, 0, loc)

	// 1.5h 充电 + 1.5h 缓冲 = 3h；唯一未来候选 01:00-04:00 与峰重叠 1h ≤ 1.5h
	plan := PlanWindow(now, targetAt, 1.5, peaks, loc)
	assert.Equal(t, "S3", plan.Strategy)
	assert.Equal(t, time.Date(2025, 1, 22, 1, 0, 0, 0, loc), plan.Start)
	assert.InDelta(t, 1.0/3.0, plan.CollisionFraction, 0.01)
}

type plannerEnv struct {
	planner  *Planner
	gw       *fakeGateway
	sheet    *fakeSheet
	jobs     *fakeJobs
	sessions *fakeSessions
}

func newPlannerEnv(t *testing.T, now time.Time, battery int, rows ...models.SheetRow) *plannerEnv {
	t.Helper()
	loc := warsaw(t)
	cfg := testConfig()
	cfg.PeakIntervals = defaultPeaks()
	cfg.WorkerURL = "https://worker.example.com"

	env := &plannerEnv{
		gw:       &fakeGateway{},
		sheet:    newFakeSheet(rows...),
		jobs:     newFakeJobs(),
		sessions: newFakeSessions(),
	}
	env.gw.snapFn = func(includeLocation bool) (*models.Snapshot, error) {
		snap := readySnapshot(battery)
		return snap, nil
	}
	env.planner = NewPlanner(zap.NewNop(), cfg, env.gw, env.sheet, env.jobs, env.sessions,
		state.NewManager(nil), loc, testVIN)
	env.planner.now = func() time.Time { return now }
	return env
}

// 完整规划：会话 SCHEDULED、两个作业、表格行转 PLANNED
func TestDailyCheckPlansSession(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 23, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 60,
		models.SheetRow{Row: 2, Date: "2025-01-22", Time: "07:00", TargetPercent: 85, Status: sheets.RowActive})

	report, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Planned)

	session, err := env.sessions.Get(context.Background(), "special_2_20250122_0700")
	require.NoError(t, err)
	assert.Equal(t, models.SessionScheduled, session.Status)
	assert.Equal(t, 85, session.TargetPercent)
	assert.Equal(t, "S1", session.Strategy)
	assert.Equal(t, 80, session.OriginalChargeLimit)
	assert.Equal(t, time.Date(2025, 1, 22, 0, 30, 0, 0, loc), session.PlannedChargeStart)
	assert.Equal(t, time.Date(2025, 1, 22, 3, 42, 0, 0, loc), session.PlannedChargeEnd)
	assert.Equal(t, time.Date(2025, 1, 22, 0, 0, 0, 0, loc), session.SendAt)

	send, ok := env.jobs.created["special-charging-special_2_20250122_0700"]
	require.True(t, ok)
	assert.Equal(t, "0 0 22 1 *", send.Cron)
	assert.Contains(t, send.URI, "/send-special-schedule")

	cleanup, ok := env.jobs.created["special-cleanup-special_2_20250122_0700"]
	require.True(t, ok)
	assert.Equal(t, "12 4 22 1 *", cleanup.Cron) // end+30min = 04:12
	assert.Contains(t, cleanup.URI, "/cleanup-single-session")

	assert.Equal(t, sheets.RowPlanned, env.sheet.statuses[2])
}

// 同一行不重复规划
func TestDailyCheckIdempotentPerRow(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 23, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 60,
		models.SheetRow{Row: 2, Date: "2025-01-22", Time: "07:00", TargetPercent: 85, Status: sheets.RowActive})

	_, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	report, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Planned)
	assert.Equal(t, 1, report.SkippedRows)
}

// 电量已达标：行直接 COMPLETED，不建会话
func TestDailyCheckAlreadyCharged(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 23, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 90,
		models.SheetRow{Row: 2, Date: "2025-01-22", Time: "07:00", TargetPercent: 85, Status: sheets.RowActive})

	_, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sheets.RowCompleted, env.sheet.statuses[2])
	assert.Empty(t, env.jobs.created)
	_, err = env.sessions.Get(context.Background(), "special_2_20250122_0700")
	assert.Error(t, err)
}

// 48 小时窗口外与非 ACTIVE 行都被跳过
func TestDailyCheckHorizonAndStatusFilter(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 23, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 60,
		models.SheetRow{Row: 2, Date: "2025-02-15", Time: "07:00", TargetPercent: 85, Status: sheets.RowActive},
		models.SheetRow{Row: 3, Date: "2025-01-20", Time: "07:00", TargetPercent: 85, Status: sheets.RowActive},
		models.SheetRow{Row: 4, Date: "2025-01-22", Time: "07:00", TargetPercent: 85, Status: sheets.RowCompleted})

	report, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Planned)
	assert.Empty(t, env.jobs.created)
}

// 目标电量超出 50-100 区间的行直接跳过，不建会话不建作业
func TestDailyCheckRejectsOutOfRangeTarget(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 21, 23, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 60,
		models.SheetRow{Row: 2, Date: "2025-01-22", Time: "07:00", TargetPercent: 110, Status: sheets.RowActive},
		models.SheetRow{Row: 3, Date: "2025-01-22", Time: "08:00", TargetPercent: 40, Status: sheets.RowActive})

	report, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Planned)
	assert.Equal(t, 2, report.SkippedRows)
	assert.Empty(t, env.jobs.created)
	_, err = env.sessions.Get(context.Background(), "special_2_20250122_0700")
	assert.Error(t, err)
}

// 超过计划结束 2 小时的 ACTIVE 会话转 FAILED
func TestDailyCheckFailsStaleActiveSessions(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 22, 23, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 60)
	require.NoError(t, env.sessions.Create(context.Background(), &models.SpecialSession{
		SessionID:          "special_2_20250122_0700",
		VIN:                testVIN,
		Status:             models.SessionActive,
		PlannedChargeEnd:   now.Add(-3 * time.Hour),
		PlannedChargeStart: now.Add(-6 * time.Hour),
	}))

	report, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleFailed)

	session, err := env.sessions.Get(context.Background(), "special_2_20250122_0700")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, session.Status)
}

// 刚结束不久的 ACTIVE 会话不动
func TestDailyCheckKeepsRecentActiveSessions(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 22, 5, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 60)
	require.NoError(t, env.sessions.Create(context.Background(), &models.SpecialSession{
		SessionID:        "special_2_20250122_0700",
		VIN:              testVIN,
		Status:           models.SessionActive,
		PlannedChargeEnd: now.Add(-time.Hour),
	}))

	report, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.StaleFailed)
}

// 孤儿作业：没有待处理会话的 special-* 作业被删除
func TestDailyCheckRemovesOrphanJobs(t *testing.T) {
	loc := warsaw(t)
	now := time.Date(2025, 1, 22, 23, 0, 0, 0, loc)
	env := newPlannerEnv(t, now, 60)

	// 无会话的孤儿 + 终态会话的残留 + 在用作业
	env.jobs.created["special-charging-special_9_20250110_0700"] = envCreateReq("special-charging-special_9_20250110_0700")
	env.jobs.created["special-cleanup-special_8_20250115_0800"] = envCreateReq("special-cleanup-special_8_20250115_0800")
	env.jobs.created["special-cleanup-special_7_20250123_0700"] = envCreateReq("special-cleanup-special_7_20250123_0700")

	require.NoError(t, env.sessions.Create(context.Background(), &models.SpecialSession{
		SessionID: "special_8_20250115_0800", VIN: testVIN, Status: models.SessionCompleted,
	}))
	require.NoError(t, env.sessions.Create(context.Background(), &models.SpecialSession{
		SessionID: "special_7_20250123_0700", VIN: testVIN, Status: models.SessionScheduled,
		PlannedChargeStart: now.Add(20 * time.Hour), PlannedChargeEnd: now.Add(24 * time.Hour),
	}))

	report, err := env.planner.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.OrphansRemoved)
	assert.Contains(t, env.jobs.created, "special-cleanup-special_7_20250123_0700")
	assert.NotContains(t, env.jobs.created, "special-charging-special_9_20250110_0700")
	assert.NotContains(t, env.jobs.created, "special-cleanup-special_8_20250115_0800")
}

func envCreateReq(name string) scheduler.CreateRequest {
	return scheduler.CreateRequest{Name: name}
}
