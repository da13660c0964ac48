// Package live serves the IoT dashboard over a WebSocket. An open connection
// is a mounted dashboard: it owns a polling feed that is stopped when the
// connection goes away.
package live

import (
	"context"
	"log/slog"
	"sync"
)

// Conn is a registered dashboard connection.
type Conn struct {
	DeviceID string
	TabID    string
	cancel   context.CancelFunc
}

// Manager tracks open dashboard connections per device and tab.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*Conn
}

// NewManager creates an empty connection manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]map[string]*Conn),
	}
}

// Register records a connection for deviceID/tabID; cancel ends it. An older
// connection from the same tab is ended.
func (m *Manager) Register(deviceID, tabID string, cancel context.CancelFunc) *Conn {
	c := &Conn{DeviceID: deviceID, TabID: tabID, cancel: cancel}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[deviceID]; !exists {
		m.active[deviceID] = make(map[string]*Conn)
	}
	if existing, exists := m.active[deviceID][tabID]; exists {
		existing.cancel()
	}
	m.active[deviceID][tabID] = c
	slog.Info("Live connection registered", "device_id", deviceID, "tab_id", tabID)
	return c
}

// Unregister removes c if it is still the registered connection for its tab.
func (m *Manager) Unregister(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tabs, ok := m.active[c.DeviceID]
	if !ok {
		return
	}
	if current, exists := tabs[c.TabID]; exists && current == c {
		delete(tabs, c.TabID)
		if len(tabs) == 0 {
			delete(m.active, c.DeviceID)
		}
		slog.Info("Live connection unregistered", "device_id", c.DeviceID, "tab_id", c.TabID)
	}
}

// Count returns the number of open connections for deviceID.
func (m *Manager) Count(deviceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[deviceID])
}

// CloseDevice ends every open connection of deviceID.
func (m *Manager) CloseDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tabs, ok := m.active[deviceID]
	if !ok {
		return
	}
	for tid, c := range tabs {
		c.cancel()
		slog.Info("Live connection closed", "device_id", deviceID, "tab_id", tid)
	}
	delete(m.active, deviceID)
}
