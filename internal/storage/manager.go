package storage

import (
	"sort"
	"sync"

	"github.com/dharsanguruparan/vaultgate/internal/config"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

// Manager is a registry of named disks. The first disk added becomes the
// default unless another is chosen with SetDefault.
type Manager struct {
	mu     sync.RWMutex
	disks  map[string]Storage
	def    string
	logger logging.Logger
}

// NewManager creates an empty registry.
func NewManager(logger logging.Logger) *Manager {
	return &Manager{disks: make(map[string]Storage), logger: logging.OrNop(logger)}
}

// Add registers s under name, replacing any previous disk of that name.
func (m *Manager) Add(name string, s Storage) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disks[name] = s
	if m.def == "" {
		m.def = name
	}
	m.logger.Log(logging.LevelDebug, "registered storage disk", "name", name)
	return m
}

// Disk returns the named disk, or the default one when name is empty.
func (m *Manager) Disk(name string) (Storage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.def
		if name == "" {
			return nil, config.Missing("default_disk")
		}
	}
	s, ok := m.disks[name]
	if !ok {
		return nil, config.Invalid("disk", name, "a registered disk name")
	}
	return s, nil
}

// SetDefault selects the default disk.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disks[name]; !ok {
		return config.Invalid("default_disk", name, "a registered disk name")
	}
	m.def = name
	return nil
}

// Default returns the default disk name, if any.
func (m *Manager) Default() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def
}

func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.disks[name]
	return ok
}

// Names lists registered disks alphabetically.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.disks))
	for name := range m.disks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Remove unregisters name. Removing the default clears it.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disks, name)
	if m.def == name {
		m.def = ""
	}
}
