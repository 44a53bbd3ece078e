package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/langchou/teskeeper/internal/models"
)

// 会话事件常量
const (
	EventActivate = "activate"
	EventComplete = "complete"
	EventFail     = "fail"
	EventCancel   = "cancel"
)

// Machine 特殊充电会话状态机。
// 状态只能单向推进：SCHEDULED → ACTIVE → COMPLETED，
// 取消仅限 SCHEDULED，失败可来自 SCHEDULED 或 ACTIVE
type Machine struct {
	mu            sync.RWMutex
	sessionID     string
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(sessionID, from, to string)
}

// NewMachine 以给定初始状态创建会话状态机
func NewMachine(sessionID, initialState string, onStateChange func(sessionID, from, to string)) *Machine {
	if initialState == "" {
		initialState = models.SessionScheduled
	}

	m := &Machine{
		sessionID:     sessionID,
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			{Name: EventActivate, Src: []string{models.SessionScheduled}, Dst: models.SessionActive},
			{Name: EventComplete, Src: []string{models.SessionActive}, Dst: models.SessionCompleted},
			{Name: EventFail, Src: []string{models.SessionScheduled, models.SessionActive}, Dst: models.SessionFailed},
			{Name: EventCancel, Src: []string{models.SessionScheduled}, Dst: models.SessionCancelled},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.sessionID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Trigger 触发事件。非法转换返回错误，终态之后没有任何出边
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("session %s trigger %s: %w", m.sessionID, event, err)
	}
	m.since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 会话状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(sessionID, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(sessionID, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机。已存在时忽略 initialState
func (m *Manager) GetOrCreate(sessionID, initialState string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[sessionID]; ok {
		return machine
	}

	machine := NewMachine(sessionID, initialState, m.onChange)
	m.machines[sessionID] = machine
	return machine
}

// Remove 移除终态会话的状态机
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.machines, sessionID)
}
