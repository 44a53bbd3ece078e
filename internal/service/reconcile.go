package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/api/tesla"
	"github.com/langchou/teskeeper/internal/metrics"
	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/pkg/geo"
)

const minutesPerDay = 24 * 60

// VehicleGateway 车辆网关操作（由 tesla.Client 实现，测试用假实现）
type VehicleGateway interface {
	GetSnapshot(ctx context.Context, vin string, includeLocation bool) (*models.Snapshot, error)
	ListChargeSchedules(ctx context.Context, vin string) ([]models.ChargeSchedule, error)
	AddChargeSchedule(ctx context.Context, vin string, schedule models.ChargeSchedule) (int64, error)
	RemoveChargeSchedule(ctx context.Context, vin string, scheduleID int64) error
	SetChargeLimit(ctx context.Context, vin string, percent int) error
	WakeUp(ctx context.Context, vin string) error
}

// FingerprintStore 指纹缓存（由 repository.FingerprintRepository 实现）
type FingerprintStore interface {
	Get(ctx context.Context, vin string) (string, error)
	Set(ctx context.Context, vin, fingerprint string) error
}

// Reconciler 充电日程对账引擎。
// 把电价 API 的期望窗口集合写成车载日程，车辆自身是权威来源
type Reconciler struct {
	logger       *zap.Logger
	gateway      VehicleGateway
	fingerprints FingerprintStore
	home         geo.Home
	location     *time.Location
}

// NewReconciler 创建对账引擎
func NewReconciler(logger *zap.Logger, gateway VehicleGateway, fingerprints FingerprintStore, home geo.Home, location *time.Location) *Reconciler {
	return &Reconciler{
		logger:       logger,
		gateway:      gateway,
		fingerprints: fingerprints,
		home:         home,
		location:     location,
	}
}

// ReconcileResult 对账结果
type ReconcileResult struct {
	Unchanged   bool   `json:"unchanged"`
	Added       int    `json:"added"`
	Removed     int    `json:"removed"`
	Dropped     int    `json:"dropped"`
	Fingerprint string `json:"fingerprint"`
}

// Reconcile 执行一次对账。
// 顺序强制：先全部新增，再删除旧日程。反向顺序会让车辆短暂看到
// 空日程集并中断正在进行的充电
func (r *Reconciler) Reconcile(ctx context.Context, vin string, desired []models.DesiredWindow) (*ReconcileResult, error) {
	schedules := r.ToVehicleSchedules(desired)
	accepted, dropped := ResolveOverlaps(schedules)
	for _, d := range dropped {
		r.logger.Warn("dropped overlapping window",
			zap.Int("start_minutes", d.StartTimeMinutes),
			zap.Int("end_minutes", d.EndTimeMinutes))
	}

	current, err := r.gateway.ListChargeSchedules(ctx, vin)
	if err != nil {
		return nil, fmt.Errorf("read current schedules: %w", err)
	}

	// 家外日程不属于本系统，永不触碰
	var priorHome []models.ChargeSchedule
	for _, s := range current {
		if r.home.Contains(s.Latitude, s.Longitude) {
			priorHome = append(priorHome, s)
		}
	}

	fingerprint := Fingerprint(accepted)
	cached, err := r.fingerprints.Get(ctx, vin)
	if err != nil {
		return nil, fmt.Errorf("read fingerprint: %w", err)
	}
	if fingerprint == cached {
		return &ReconcileResult{Unchanged: true, Dropped: len(dropped), Fingerprint: fingerprint}, nil
	}

	result := &ReconcileResult{Dropped: len(dropped), Fingerprint: fingerprint}

	// 第一步：全部新增。任何一个失败立即中止，不删除任何旧日程
	for _, s := range accepted {
		if _, err := r.gateway.AddChargeSchedule(ctx, vin, s); err != nil {
			return result, fmt.Errorf("add schedule %d-%d: %w", s.StartTimeMinutes, s.EndTimeMinutes, err)
		}
		metrics.ReconcileOpsTotal.WithLabelValues("add").Inc()
		result.Added++
	}

	// 第二步：删除对账前就存在的家日程。
	// 删除失败只告警不中止，车辆处于正确但冗余的状态，下轮对账收敛
	for _, s := range priorHome {
		if err := r.gateway.RemoveChargeSchedule(ctx, vin, s.ID); err != nil {
			r.logger.Warn("remove schedule failed",
				zap.Int64("schedule_id", s.ID),
				zap.Error(err))
			continue
		}
		metrics.ReconcileOpsTotal.WithLabelValues("remove").Inc()
		result.Removed++
	}

	// 指纹只在全部新增成功后落库
	if err := r.fingerprints.Set(ctx, vin, fingerprint); err != nil {
		return result, fmt.Errorf("persist fingerprint: %w", err)
	}
	return result, nil
}

// ToVehicleSchedules 把期望窗口转成车载日程。
// 起止时刻按车辆本地时区取当日分钟数，坐标固定为家
func (r *Reconciler) ToVehicleSchedules(windows []models.DesiredWindow) []models.ChargeSchedule {
	schedules := make([]models.ChargeSchedule, 0, len(windows))
	for _, w := range windows {
		schedules = append(schedules, models.ChargeSchedule{
			Enabled:          true,
			StartEnabled:     true,
			StartTimeMinutes: localMinutes(w.Start, r.location),
			EndEnabled:       true,
			EndTimeMinutes:   localMinutes(w.End, r.location),
			DaysOfWeek:       "All",
			Latitude:         r.home.Latitude,
			Longitude:        r.home.Longitude,
		})
	}
	return schedules
}

// localMinutes 本地时刻距午夜的分钟数
func localMinutes(t time.Time, loc *time.Location) int {
	local := t.In(loc)
	return local.Hour()*60 + local.Minute()
}

// ResolveOverlaps 按优先级消解重叠：输入顺序即优先级，
// 后面的窗口与已接受集合相交时被丢弃。区间在 0-1439 的环形轴上比较
func ResolveOverlaps(schedules []models.ChargeSchedule) (accepted, dropped []models.ChargeSchedule) {
	for _, s := range schedules {
		overlaps := false
		for _, a := range accepted {
			if circularIntersect(s.StartTimeMinutes, s.EndTimeMinutes, a.StartTimeMinutes, a.EndTimeMinutes) {
				overlaps = true
				break
			}
		}
		if overlaps {
			dropped = append(dropped, s)
		} else {
			accepted = append(accepted, s)
		}
	}
	return accepted, dropped
}

// circularIntersect 环形 24h 轴上的区间相交判定。
// end < start 表示跨午夜，拆成 [start,1440) ∪ [0,end) 比较
func circularIntersect(aStart, aEnd, bStart, bEnd int) bool {
	for _, a := range splitWrapped(aStart, aEnd) {
		for _, b := range splitWrapped(bStart, bEnd) {
			if a[0] < b[1] && b[0] < a[1] {
				return true
			}
		}
	}
	return false
}

func splitWrapped(start, end int) [][2]int {
	if end < start {
		return [][2]int{{start, minutesPerDay}, {0, end}}
	}
	return [][2]int{{start, end}}
}

// Fingerprint 计算日程集合的稳定指纹：
// 起止分钟、启用标志、星期掩码、坐标（4 位小数）全量参与，
// 排序后拼接再哈希，与 ID 和写入顺序无关
func Fingerprint(schedules []models.ChargeSchedule) string {
	if len(schedules) == 0 {
		return ""
	}
	keys := make([]string, 0, len(schedules))
	for _, s := range schedules {
		keys = append(keys, fmt.Sprintf("%04d-%04d-%t-%t-%t-%s-%.4f-%.4f",
			s.StartTimeMinutes, s.EndTimeMinutes,
			s.Enabled, s.StartEnabled, s.EndEnabled,
			s.DaysOfWeek, s.Latitude, s.Longitude))
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, ",")))
	return hex.EncodeToString(sum[:])
}

var _ VehicleGateway = (*tesla.Client)(nil)
