package ha

import (
	"fmt"

	"github.com/eddielth/ha-agent/logger"
)

// DispatchControl routes a command message to its handler. Topics that
// nothing handles yield ErrUnknownControl.
func (e *Engine) DispatchControl(topic string, payload []byte) error {
	sub, key, ok := e.topics.ParseControl(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownControl, topic)
	}
	if sub != "" {
		return e.dispatchSubDevice(sub, key, payload)
	}

	switch key {
	case KeyUpdate:
		outcome, err := e.opts.Updater.Handle(payload)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		logger.Info("update request: %s", outcome)
		return nil
	case KeyConfig:
		logger.Info("config string received: %d bytes", len(payload))
		if e.opts.OnConfig != nil {
			e.opts.OnConfig(payload)
		}
		return nil
	case KeyReboot:
		logger.Info("reboot requested")
		e.rebootPending.Store(true)
		return nil
	}

	return commandSensors(e.registry.Sensors(), key, payload)
}

func (e *Engine) dispatchSubDevice(sub, key string, payload []byte) error {
	d, err := e.registry.FindSubDevice(sub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownControl, err)
	}

	if key != SubDeviceUpdateKey {
		return commandSensors(d.Sensors(), key, payload)
	}

	e.pubMu.Lock()
	updaters := append([]SubDeviceUpdater(nil), e.opts.SubDeviceUpdater...)
	e.pubMu.Unlock()

	info := d.Info()
	for _, u := range updaters {
		if u.CanHandle(info) {
			logger.Info("sub-device %s update request", info.ID)
			return u.HandleUpdate(info, payload)
		}
	}
	return fmt.Errorf("%w: no updater for sub-device %s", ErrUnknownControl, info.ID)
}

// commandSensors delivers payload to the first Commander owning a controllable key
func commandSensors(sensors []Sensor, key string, payload []byte) error {
	for _, s := range sensors {
		c, ok := s.(Commander)
		if !ok {
			continue
		}
		for _, k := range controllableKeys(s) {
			if k == key {
				return c.Command(key, payload)
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownControl, key)
}
