package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/teskeeper/internal/models"
)

func prevState(online, atHome, ready bool) *models.ScoutState {
	return &models.ScoutState{
		VIN:             testVIN,
		Online:          online,
		AtHome:          atHome,
		IsChargingReady: ready,
	}
}

func scoutSnapshot(online, atHome, ready bool) *models.Snapshot {
	snap := &models.Snapshot{
		VIN:             testVIN,
		Online:          online,
		BatteryLevel:    65,
		IsChargingReady: ready,
		LocationStatus:  models.LocationUnknown,
	}
	if atHome {
		lat, lon := testHome.Latitude, testHome.Longitude
		snap.Latitude = &lat
		snap.Longitude = &lon
		snap.LocationStatus = models.LocationHome
	} else if online {
		lat, lon := 50.06, 19.94
		snap.Latitude = &lat
		snap.Longitude = &lon
		snap.LocationStatus = models.LocationOutside
	}
	return snap
}

func TestDecideTrigger(t *testing.T) {
	tests := []struct {
		name          string
		prev          *models.ScoutState
		snap          *models.Snapshot
		sessionActive bool
		wantReason    string
		wantTrigger   bool
	}{
		{"first observation", nil, scoutSnapshot(true, false, false), false, ReasonInitState, true},
		{"returned home", prevState(true, false, false), scoutSnapshot(true, true, false), false, ReasonReturnedHome, true},
		{"condition A became ready", prevState(true, true, false), scoutSnapshot(true, true, true), false, ReasonConditionA, true},
		{"condition A already satisfied", prevState(true, true, true), scoutSnapshot(true, true, true), false, "", false},
		{"condition B offline edge", prevState(true, true, false), scoutSnapshot(false, false, false), false, ReasonConditionBWake, true},
		{"offline stays offline", prevState(false, true, false), scoutSnapshot(false, false, false), false, "", false},
		{"away no change", prevState(true, false, false), scoutSnapshot(true, false, false), false, "", false},
		{"active session suppresses", prevState(true, false, false), scoutSnapshot(true, true, true), true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, triggered := DecideTrigger(tt.prev, tt.snap, tt.sessionActive)
			assert.Equal(t, tt.wantTrigger, triggered)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

type scoutEnv struct {
	scout       *Scout
	states      *fakeScoutStates
	sessions    *fakeSessions
	gw          *fakeGateway
	secrets     *fakeSecrets
	workerCalls *atomic.Int32
	workerSrv   *httptest.Server
}

func newScoutEnv(t *testing.T, snap *models.Snapshot) *scoutEnv {
	t.Helper()
	env := &scoutEnv{
		states:      newFakeScoutStates(),
		sessions:    newFakeSessions(),
		secrets:     &fakeSecrets{record: &models.TokenRecord{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}},
		workerCalls: &atomic.Int32{},
	}
	env.workerSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.workerCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(env.workerSrv.Close)

	env.gw = &fakeGateway{}
	env.gw.snapFn = func(includeLocation bool) (*models.Snapshot, error) {
		return snap, nil
	}

	env.scout = NewScout(zap.NewNop(), env.secrets, env.states, env.sessions, env.workerSrv.URL, "test-token", testVIN)
	env.scout.SetGateway(env.gw)
	return env
}

// 首次观察：触发 init state 并写入状态
func TestScoutFirstObservationTriggers(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(true, true, false))

	result, err := env.scout.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Triggered)
	assert.Equal(t, ReasonInitState, result.Reason)
	assert.Equal(t, int32(1), env.workerCalls.Load())
	assert.True(t, result.Wrote)
}

// 连续离线 N 次：只在 在线→离线 沿上写一次
func TestScoutOfflineWriteMinimality(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(false, false, false))
	require.NoError(t, env.states.Upsert(context.Background(), prevState(true, true, true)))
	writesBefore := env.states.upserts

	// 第一次：在线→离线 的沿，写一次
	result, err := env.scout.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Wrote)
	assert.Equal(t, writesBefore+1, env.states.upserts)

	// 之后连续离线：零写入
	for i := 0; i < 5; i++ {
		result, err = env.scout.Run(context.Background())
		require.NoError(t, err)
		assert.False(t, result.Wrote)
	}
	assert.Equal(t, writesBefore+1, env.states.upserts)
}

// 离线沿写入保留上一次的位置判定
func TestScoutOfflineEdgeKeepsLastLocation(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(false, false, false))
	require.NoError(t, env.states.Upsert(context.Background(), prevState(true, true, true)))

	_, err := env.scout.Run(context.Background())
	require.NoError(t, err)

	state, err := env.states.Get(context.Background(), testVIN)
	require.NoError(t, err)
	assert.False(t, state.Online)
	assert.True(t, state.AtHome, "offline edge write keeps the previous HOME classification")
}

// 在线时每次都整行重写
func TestScoutOnlineAlwaysWrites(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(true, true, true))
	require.NoError(t, env.states.Upsert(context.Background(), prevState(true, true, true)))
	writesBefore := env.states.upserts

	for i := 0; i < 3; i++ {
		result, err := env.scout.Run(context.Background())
		require.NoError(t, err)
		assert.True(t, result.Wrote)
	}
	assert.Equal(t, writesBefore+3, env.states.upserts)
}

// ACTIVE 会话存在时不触发但仍然写状态
func TestScoutActiveSessionSuppressesTrigger(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(true, true, true))
	require.NoError(t, env.sessions.Create(context.Background(), &models.SpecialSession{
		SessionID: "special_2_20250122_0700",
		VIN:       testVIN,
		Status:    models.SessionActive,
	}))

	result, err := env.scout.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Triggered)
	assert.Zero(t, env.workerCalls.Load())
	assert.True(t, result.Wrote)
}

// 令牌仍然新鲜：直接读取，不升级刷新
func TestScoutAccessTokenDirectRead(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(true, true, false))

	tok, err := env.scout.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Zero(t, env.workerCalls.Load())
}

// 令牌快过期：升级给 Worker 刷新后重读
func TestScoutAccessTokenEscalatesWhenExpiring(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(true, true, false))
	env.secrets.record = &models.TokenRecord{
		AccessToken: "tok-stale",
		ExpiresAt:   time.Now().Add(2 * time.Minute), // <5min 但 >60s，普通通道
	}

	var path atomic.Value
	refreshed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		// Worker 刷新成功后秘密存储里出现新记录
		env.secrets.mu.Lock()
		env.secrets.record = &models.TokenRecord{AccessToken: "tok-fresh", ExpiresAt: time.Now().Add(8 * time.Hour)}
		env.secrets.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer refreshed.Close()
	env.scout.workerURL = refreshed.URL

	tok, err := env.scout.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", tok)
	assert.Equal(t, "/refresh-tokens", path.Load())
	assert.Equal(t, 1, env.states.touches, "refresh call time must be recorded for rate limiting")
}

// 已经过期（<60s）走紧急通道
func TestScoutAccessTokenEmergencyPath(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(true, true, false))
	env.secrets.record = &models.TokenRecord{
		AccessToken: "tok-dying",
		ExpiresAt:   time.Now().Add(30 * time.Second),
	}

	var path atomic.Value
	refreshed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		env.secrets.mu.Lock()
		env.secrets.record = &models.TokenRecord{AccessToken: "tok-fresh", ExpiresAt: time.Now().Add(8 * time.Hour)}
		env.secrets.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer refreshed.Close()
	env.scout.workerURL = refreshed.URL

	tok, err := env.scout.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", tok)
	assert.Equal(t, "/emergency-refresh-tokens", path.Load())
}

// 60 秒限速窗口内不升级，继续使用现有令牌
func TestScoutRefreshRateLimited(t *testing.T) {
	env := newScoutEnv(t, scoutSnapshot(true, true, false))
	env.secrets.record = &models.TokenRecord{
		AccessToken: "tok-stale",
		ExpiresAt:   time.Now().Add(3 * time.Minute), // <5min 但不紧急
	}
	env.scout.lastState = &models.ScoutState{
		VIN:             testVIN,
		LastRefreshCall: time.Now().Add(-10 * time.Second),
	}

	tok, err := env.scout.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-stale", tok, "rate-limited scout keeps using the current token")
	assert.Zero(t, env.workerCalls.Load())
}
