package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/teskeeper/internal/models"
)

func TestSessionLifecycle(t *testing.T) {
	m := NewMachine("special_2_20250122_0700", models.SessionScheduled, nil)
	assert.Equal(t, models.SessionScheduled, m.CurrentState())

	require.NoError(t, m.Trigger(EventActivate))
	assert.Equal(t, models.SessionActive, m.CurrentState())

	require.NoError(t, m.Trigger(EventComplete))
	assert.Equal(t, models.SessionCompleted, m.CurrentState())
}

func TestNoBackwardTransitions(t *testing.T) {
	m := NewMachine("s", models.SessionScheduled, nil)
	require.NoError(t, m.Trigger(EventActivate))

	// ACTIVE 之后不能取消也不能再次激活
	assert.Error(t, m.Trigger(EventCancel))
	assert.Error(t, m.Trigger(EventActivate))

	require.NoError(t, m.Trigger(EventComplete))

	// 终态没有任何出边
	assert.Error(t, m.Trigger(EventActivate))
	assert.Error(t, m.Trigger(EventComplete))
	assert.Error(t, m.Trigger(EventFail))
	assert.Error(t, m.Trigger(EventCancel))
	assert.Equal(t, models.SessionCompleted, m.CurrentState())
}

func TestCancelOnlyFromScheduled(t *testing.T) {
	m := NewMachine("s", models.SessionScheduled, nil)
	require.NoError(t, m.Trigger(EventCancel))
	assert.Equal(t, models.SessionCancelled, m.CurrentState())
}

func TestFailFromScheduledAndActive(t *testing.T) {
	m := NewMachine("a", models.SessionScheduled, nil)
	require.NoError(t, m.Trigger(EventFail))
	assert.Equal(t, models.SessionFailed, m.CurrentState())

	m = NewMachine("b", models.SessionActive, nil)
	require.NoError(t, m.Trigger(EventFail))
	assert.Equal(t, models.SessionFailed, m.CurrentState())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	m := NewMachine("s", models.SessionScheduled, func(sessionID, from, to string) {
		transitions = append(transitions, from+"->"+to)
	})

	require.NoError(t, m.Trigger(EventActivate))
	require.NoError(t, m.Trigger(EventComplete))

	assert.Equal(t, []string{"SCHEDULED->ACTIVE", "ACTIVE->COMPLETED"}, transitions)
}

func TestManagerGetOrCreate(t *testing.T) {
	mgr := NewManager(nil)

	m1 := mgr.GetOrCreate("s1", models.SessionScheduled)
	m2 := mgr.GetOrCreate("s1", models.SessionActive) // 已存在，忽略初始状态
	assert.Same(t, m1, m2)
	assert.Equal(t, models.SessionScheduled, m2.CurrentState())

	mgr.Remove("s1")
	m3 := mgr.GetOrCreate("s1", models.SessionActive)
	assert.NotSame(t, m1, m3)
	assert.Equal(t, models.SessionActive, m3.CurrentState())
}
