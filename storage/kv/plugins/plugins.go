// Package plugins is the registry of kv.Plugin drivers compiled into
// corelite, grounded on the teacher's plugin_manager.go.
package plugins

import (
	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/plugins/bbolt"
	"github.com/embervault/corelite/storage/kv/plugins/memory"
	"github.com/embervault/corelite/storage/kv/plugins/sqlite"
)

// Manager lets a consumer retrieve a kv storage plugin by name.
type Manager struct {
	plugins []kv.Plugin
}

// NewManager returns a Manager loaded with every built-in plugin.
func NewManager() *Manager {
	m := &Manager{}

	m.plugins = append(m.plugins, bbolt.Plugins()...)
	m.plugins = append(m.plugins, sqlite.Plugins()...)
	m.plugins = append(m.plugins, memory.Plugins()...)

	return m
}

// Plugin returns the plugin whose name matches, or nil if none does.
func (m *Manager) Plugin(name string) kv.Plugin {
	for _, p := range m.plugins {
		if p.Name() == name {
			return p
		}
	}

	return nil
}

// Plugins lists all registered plugins.
func (m *Manager) Plugins() []kv.Plugin {
	return m.plugins
}

var defaultManager = NewManager()

// Default returns the process-wide plugin manager.
func Default() *Manager { return defaultManager }
