package service

import (
	"context"
	"sync"
	"time"

	"github.com/langchou/teskeeper/internal/api/pricing"
	"github.com/langchou/teskeeper/internal/api/scheduler"
	"github.com/langchou/teskeeper/internal/models"
	"github.com/langchou/teskeeper/internal/repository"
)

// fakeGateway 可编排的车辆网关
type fakeGateway struct {
	mu sync.Mutex

	snapFn    func(includeLocation bool) (*models.Snapshot, error)
	schedules []models.ChargeSchedule
	nextID    int64

	addErr    error
	removeErr error
	wakeErr   error
	limitErr  error

	wakeCalls   int
	limitCalls  []int
	addCalls    []models.ChargeSchedule
	removeCalls []int64
	ops         []string // 操作时序
}

func (f *fakeGateway) GetSnapshot(ctx context.Context, vin string, includeLocation bool) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapFn(includeLocation)
}

func (f *fakeGateway) ListChargeSchedules(ctx context.Context, vin string) ([]models.ChargeSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ChargeSchedule, len(f.schedules))
	copy(out, f.schedules)
	return out, nil
}

func (f *fakeGateway) AddChargeSchedule(ctx context.Context, vin string, schedule models.ChargeSchedule) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.nextID++
	schedule.ID = f.nextID
	f.schedules = append(f.schedules, schedule)
	f.addCalls = append(f.addCalls, schedule)
	f.ops = append(f.ops, "add")
	return schedule.ID, nil
}

func (f *fakeGateway) RemoveChargeSchedule(ctx context.Context, vin string, scheduleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	for i, s := range f.schedules {
		if s.ID == scheduleID {
			f.schedules = append(f.schedules[:i], f.schedules[i+1:]...)
			break
		}
	}
	f.removeCalls = append(f.removeCalls, scheduleID)
	f.ops = append(f.ops, "remove")
	return nil
}

func (f *fakeGateway) SetChargeLimit(ctx context.Context, vin string, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return f.limitErr
	}
	f.limitCalls = append(f.limitCalls, percent)
	f.ops = append(f.ops, "set_limit")
	return nil
}

func (f *fakeGateway) WakeUp(ctx context.Context, vin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakeCalls++
	f.ops = append(f.ops, "wake")
	return f.wakeErr
}

// fakeFingerprints 内存指纹存储
type fakeFingerprints struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeFingerprints() *fakeFingerprints {
	return &fakeFingerprints{data: make(map[string]string)}
}

func (f *fakeFingerprints) Get(ctx context.Context, vin string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[vin], nil
}

func (f *fakeFingerprints) Set(ctx context.Context, vin, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[vin] = fingerprint
	return nil
}

// fakeCases 内存用例存储
type fakeCases struct {
	mu   sync.Mutex
	data map[string]*models.WorkerCase
}

func newFakeCases() *fakeCases {
	return &fakeCases{data: make(map[string]*models.WorkerCase)}
}

func (f *fakeCases) Get(ctx context.Context, vin string) (*models.WorkerCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.data[vin]; ok {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeCases) Upsert(ctx context.Context, c *models.WorkerCase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[c.VIN] = c
	return nil
}

func (f *fakeCases) Delete(ctx context.Context, vin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, vin)
	return nil
}

// fakeSessions 内存会话存储
type fakeSessions struct {
	mu   sync.Mutex
	data map[string]*models.SpecialSession
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{data: make(map[string]*models.SpecialSession)}
}

func (f *fakeSessions) Get(ctx context.Context, sessionID string) (*models.SpecialSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.data[sessionID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSessions) Create(ctx context.Context, s *models.SpecialSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.data[s.SessionID] = &copied
	return nil
}

func (f *fakeSessions) Update(ctx context.Context, s *models.SpecialSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.data[s.SessionID] = &copied
	return nil
}

func (f *fakeSessions) ListByStatus(ctx context.Context, vin string, statuses ...string) ([]*models.SpecialSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SpecialSession
	for _, s := range f.data {
		if s.VIN != vin {
			continue
		}
		for _, status := range statuses {
			if s.Status == status {
				copied := *s
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

// fakePricing 可编排的电价服务
type fakePricing struct {
	windows []models.DesiredWindow
	err     error
	calls   int
}

func (f *fakePricing) GetChargingSchedule(ctx context.Context, req pricing.Request) ([]models.DesiredWindow, error) {
	f.calls++
	return f.windows, f.err
}

// fakeSheet 内存表格
type fakeSheet struct {
	rows     []models.SheetRow
	statuses map[int]string
}

func newFakeSheet(rows ...models.SheetRow) *fakeSheet {
	return &fakeSheet{rows: rows, statuses: make(map[int]string)}
}

func (f *fakeSheet) ListRows(ctx context.Context) ([]models.SheetRow, error) {
	return f.rows, nil
}

func (f *fakeSheet) UpdateStatus(ctx context.Context, row int, status string) error {
	f.statuses[row] = status
	return nil
}

// fakeJobs 内存调度器
type fakeJobs struct {
	mu      sync.Mutex
	created map[string]scheduler.CreateRequest
	deleted []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{created: make(map[string]scheduler.CreateRequest)}
}

func (f *fakeJobs) CreateJob(ctx context.Context, req scheduler.CreateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[req.Name] = req
	return nil
}

func (f *fakeJobs) DeleteJob(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[name]; !ok {
		return scheduler.ErrJobNotFound
	}
	delete(f.created, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeJobs) ListJobs(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.created {
		names = append(names, name)
	}
	return names, nil
}

// fakeHub 记录广播消息
type fakeHub struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeHub) BroadcastMessage(msgType string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgType)
}

// fakeScoutStates 内存 Scout 状态存储
type fakeScoutStates struct {
	mu      sync.Mutex
	data    map[string]*models.ScoutState
	upserts int
	touches int
}

func newFakeScoutStates() *fakeScoutStates {
	return &fakeScoutStates{data: make(map[string]*models.ScoutState)}
}

func (f *fakeScoutStates) Get(ctx context.Context, vin string) (*models.ScoutState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.data[vin]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeScoutStates) Upsert(ctx context.Context, state *models.ScoutState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *state
	f.data[state.VIN] = &copied
	f.upserts++
	return nil
}

func (f *fakeScoutStates) TouchRefreshCall(ctx context.Context, vin string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.data[vin]; ok {
		s.LastRefreshCall = at
	}
	f.touches++
	return nil
}

// fakeSecrets 内存令牌记录
type fakeSecrets struct {
	mu     sync.Mutex
	record *models.TokenRecord
	err    error
	reads  int
}

func (f *fakeSecrets) Read(ctx context.Context) (*models.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.record
	return &copied, nil
}
