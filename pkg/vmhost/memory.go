package vmhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// MemoryHypervisor tracks VM definitions and power state in memory without
// running anything. It backs the "none" hypervisor setting and tests.
type MemoryHypervisor struct {
	mu        sync.Mutex
	states    map[string]State
	snapshots map[string][]string

	// Fail, when set, is returned by the next call naming this operation
	// ("define", "power", "snapshot", ...) and then cleared.
	Fail map[string]error
}

// NewMemoryHypervisor returns an empty MemoryHypervisor.
func NewMemoryHypervisor() *MemoryHypervisor {
	return &MemoryHypervisor{
		states:    make(map[string]State),
		snapshots: make(map[string][]string),
		Fail:      make(map[string]error),
	}
}

func (m *MemoryHypervisor) takeFailure(op string) error {
	if err, ok := m.Fail[op]; ok {
		delete(m.Fail, op)
		return err
	}
	return nil
}

func (m *MemoryHypervisor) Define(_ context.Context, id string, _ CreateParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("define"); err != nil {
		return err
	}
	if _, ok := m.states[id]; ok {
		return fmt.Errorf("domain %s already defined", id)
	}
	m.states[id] = StateStopped
	return nil
}

func (m *MemoryHypervisor) Undefine(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("undefine"); err != nil {
		return err
	}
	delete(m.states, id)
	delete(m.snapshots, id)
	return nil
}

func (m *MemoryHypervisor) Power(_ context.Context, id string, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("power"); err != nil {
		return err
	}
	cur, ok := m.states[id]
	if !ok {
		return fmt.Errorf("domain %s not found", id)
	}

	allowed := map[Action][]State{
		ActionStart:     {StateStopped, StateSaved},
		ActionShutDown:  {StateRunning},
		ActionRestart:   {StateRunning},
		ActionTerminate: {StateRunning, StatePaused},
		ActionPause:     {StateRunning},
		ActionResume:    {StatePaused},
		ActionSave:      {StateRunning, StatePaused},
	}
	if !lo.Contains(allowed[action], cur) {
		return fmt.Errorf("cannot %s domain %s in state %s", action, id, cur)
	}
	m.states[id] = actionResult(action)
	return nil
}

func (m *MemoryHypervisor) State(_ context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return StateUnknown, fmt.Errorf("domain %s not found", id)
	}
	return s, nil
}

func (m *MemoryHypervisor) SetResources(_ context.Context, id string, cpus, memoryMB int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.states[id]; s != StateStopped {
		return fmt.Errorf("domain %s must be stopped to change resources", id)
	}
	return nil
}

func (m *MemoryHypervisor) CreateSnapshot(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("snapshot"); err != nil {
		return err
	}
	if lo.Contains(m.snapshots[id], name) {
		return fmt.Errorf("snapshot %s already exists", name)
	}
	m.snapshots[id] = append(m.snapshots[id], name)
	return nil
}

func (m *MemoryHypervisor) RevertSnapshot(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !lo.Contains(m.snapshots[id], name) {
		return fmt.Errorf("snapshot %s not found", name)
	}
	return nil
}

func (m *MemoryHypervisor) DeleteSnapshot(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !lo.Contains(m.snapshots[id], name) {
		return fmt.Errorf("snapshot %s not found", name)
	}
	m.snapshots[id] = lo.Without(m.snapshots[id], name)
	return nil
}

func (m *MemoryHypervisor) Screenshot(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (m *MemoryHypervisor) ConsoleURI(_ context.Context, id string) (string, error) {
	return "memory://" + id, nil
}
