package script

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/ha-agent/config"
	"github.com/eddielth/ha-agent/logger"
)

// Manager 管理多个脚本传感器
type Manager struct {
	sensors map[string]*Sensor
	mutex   sync.RWMutex
}

// NewManager 为每个配置项创建脚本传感器
func NewManager(configs map[string]config.ScriptSensor) (*Manager, error) {
	manager := &Manager{
		sensors: make(map[string]*Sensor),
	}

	for name, cfg := range configs {
		sensor, err := build(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create script sensor %s: %w", name, err)
		}
		manager.sensors[name] = sensor
		logger.Info("loaded script sensor %s", name)
	}

	return manager, nil
}

func build(name string, cfg config.ScriptSensor) (*Sensor, error) {
	code, err := loadSource(name, cfg)
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(name, code)
	if err != nil {
		return nil, err
	}
	return newSensor(name, rt, interval(cfg))
}

func interval(cfg config.ScriptSensor) time.Duration {
	return time.Duration(cfg.Interval) * time.Second
}

// Get 返回指定名称的传感器
func (m *Manager) Get(name string) (*Sensor, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.sensors[name]
	return s, ok
}

// Names 返回排序后的传感器名称
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.sensors))
	for name := range m.sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload 重新加载指定传感器的脚本。已存在的传感器原地替换运行时，
// 新传感器被创建并通过 created 返回 true。
func (m *Manager) Reload(name string, cfg config.ScriptSensor) (sensor *Sensor, created bool, err error) {
	m.mutex.RLock()
	existing, ok := m.sensors[name]
	m.mutex.RUnlock()

	if !ok {
		sensor, err = build(name, cfg)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create script sensor %s: %w", name, err)
		}
		m.mutex.Lock()
		m.sensors[name] = sensor
		m.mutex.Unlock()
		logger.Info("added script sensor %s", name)
		return sensor, true, nil
	}

	code, err := loadSource(name, cfg)
	if err != nil {
		return nil, false, err
	}
	rt, err := newRuntime(name, code)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reload script sensor %s: %w", name, err)
	}
	if err := existing.swap(rt, interval(cfg)); err != nil {
		return nil, false, fmt.Errorf("failed to reload script sensor %s: %w", name, err)
	}

	logger.Info("reloaded script sensor %s", name)
	return existing, false, nil
}
