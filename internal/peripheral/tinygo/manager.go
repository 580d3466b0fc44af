// Package tinygo is a portable peripheral backend on tinygo.org/x/bluetooth.
//
// The library exposes neither subscription callbacks nor service removal, so
// a central connecting is reported as a subscription and removed services
// stay registered but inert.
package tinygo

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"ioxble/internal/peripheral"
)

// stack is the part of the bluetooth adapter the manager uses.
type stack interface {
	Enable() error
	SetConnectHandler(fn func(address string, connected bool))
	AddService(serviceUUID, charUUID string, onWrite func(offset int, value []byte)) (notify func([]byte) error, err error)
	StartAdvertising(localName string, serviceUUIDs []string) error
	StopAdvertising() error
}

// Manager implements peripheral.Manager on tinygo.org/x/bluetooth.
type Manager struct {
	stack   stack
	log     *zap.Logger
	emitter *peripheral.Emitter

	mu          sync.Mutex
	state       peripheral.State
	services    map[peripheral.Service]func([]byte) error
	active      *peripheral.Service
	central     *peripheral.Central
	advertising bool
	closed      bool
}

var _ peripheral.Manager = (*Manager)(nil)

// Open enables the default adapter. An adapter that cannot be enabled is
// reported as StateUnsupported rather than an error.
func Open(log *zap.Logger) *Manager {
	return newManager(&adapterStack{adapter: bluetooth.DefaultAdapter}, log)
}

func newManager(s stack, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		stack:    s,
		log:      log.With(zap.String("component", "tinygo")),
		emitter:  peripheral.NewEmitter(),
		services: make(map[peripheral.Service]func([]byte) error),
		state:    peripheral.StatePoweredOn,
	}
	if err := s.Enable(); err != nil {
		m.log.Warn("enable adapter", zap.Error(err))
		m.state = peripheral.StateUnsupported
		return m
	}
	s.SetConnectHandler(m.onConnect)
	return m
}

func (m *Manager) onConnect(address string, connected bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	c := peripheral.Central{ID: address}
	if connected {
		m.central = &c
	} else {
		if m.central == nil {
			m.mu.Unlock()
			return
		}
		c = *m.central
		m.central = nil
	}
	m.mu.Unlock()

	if connected {
		m.log.Info("central connected", zap.String("address", address))
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventCentralSubscribed, Central: c})
		return
	}
	m.log.Info("central disconnected", zap.String("address", address))
	m.emitter.Emit(peripheral.Event{Kind: peripheral.EventCentralUnsubscribed, Central: c})
}

func (m *Manager) onWrite(svc peripheral.Service, offset int, value []byte) {
	m.mu.Lock()
	active := m.active != nil && *m.active == svc
	c := peripheral.Central{}
	if m.central != nil {
		c = *m.central
	}
	m.mu.Unlock()
	if !active {
		return
	}

	req := peripheral.NewWriteRequest(c, offset, value, nil)
	m.emitter.Emit(peripheral.Event{Kind: peripheral.EventWriteRequests, Central: c, Requests: []*peripheral.WriteRequest{req}})
}

func (m *Manager) State() peripheral.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Events() <-chan peripheral.Event {
	return m.emitter.C()
}

// AddService registers svc with the stack, or reactivates it if it was
// registered before.
func (m *Manager) AddService(svc peripheral.Service) {
	m.mu.Lock()
	_, known := m.services[svc]
	if known {
		m.active = &svc
	}
	m.mu.Unlock()
	if known {
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventServiceAdded})
		return
	}

	notify, err := m.stack.AddService(svc.UUID, svc.CharacteristicUUID, func(offset int, value []byte) {
		m.onWrite(svc, offset, value)
	})
	if err != nil {
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventServiceAdded, Err: fmt.Errorf("tinygo: add service: %w", err)})
		return
	}

	m.mu.Lock()
	m.services[svc] = notify
	m.active = &svc
	m.mu.Unlock()
	m.emitter.Emit(peripheral.Event{Kind: peripheral.EventServiceAdded})
}

// RemoveAllServices deactivates the service; the stack keeps it registered.
func (m *Manager) RemoveAllServices() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
}

func (m *Manager) StartAdvertising(adv peripheral.Advertisement) {
	err := m.stack.StartAdvertising(adv.LocalName, adv.ServiceUUIDs)
	if err != nil {
		err = fmt.Errorf("tinygo: start advertising: %w", err)
	} else {
		m.mu.Lock()
		m.advertising = true
		m.mu.Unlock()
	}
	m.emitter.Emit(peripheral.Event{Kind: peripheral.EventAdvertisingStarted, Err: err})
}

func (m *Manager) StopAdvertising() {
	m.mu.Lock()
	was := m.advertising
	m.advertising = false
	m.mu.Unlock()
	if !was {
		return
	}
	if err := m.stack.StopAdvertising(); err != nil {
		m.log.Debug("stop advertising", zap.Error(err))
	}
}

// UpdateValue writes the characteristic, which notifies the connected
// central.
func (m *Manager) UpdateValue(value []byte) bool {
	m.mu.Lock()
	var notify func([]byte) error
	if m.active != nil && m.central != nil {
		notify = m.services[*m.active]
	}
	m.mu.Unlock()
	if notify == nil {
		return false
	}
	if err := notify(value); err != nil {
		m.log.Debug("notify failed", zap.Error(err))
		return false
	}
	return true
}

// Respond is a no-op beyond releasing the request: the stack acknowledges
// writes itself.
func (m *Manager) Respond(req *peripheral.WriteRequest, err error) {
	peripheral.Answer(req, err)
}

func (m *Manager) Close() error {
	m.StopAdvertising()
	m.RemoveAllServices()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.emitter.Close()
	return nil
}

// ============================================================================
// adapterStack — tinygo.org/x/bluetooth
// ============================================================================

type adapterStack struct {
	adapter *bluetooth.Adapter
}

func (s *adapterStack) Enable() error {
	return s.adapter.Enable()
}

func (s *adapterStack) SetConnectHandler(fn func(address string, connected bool)) {
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		fn(device.Address.String(), connected)
	})
}

func (s *adapterStack) AddService(serviceUUID, charUUID string, onWrite func(offset int, value []byte)) (func([]byte) error, error) {
	svcID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("service uuid: %w", err)
	}
	charID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("characteristic uuid: %w", err)
	}

	var char bluetooth.Characteristic
	err = s.adapter.AddService(&bluetooth.Service{
		UUID: svcID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &char,
				UUID:   charID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission |
					bluetooth.CharacteristicNotifyPermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					onWrite(offset, value)
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return func(b []byte) error {
		_, err := char.Write(b)
		return err
	}, nil
}

func (s *adapterStack) StartAdvertising(localName string, serviceUUIDs []string) error {
	uuids := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		id, err := bluetooth.ParseUUID(u)
		if err != nil {
			return fmt.Errorf("service uuid %q: %w", u, err)
		}
		uuids = append(uuids, id)
	}
	adv := s.adapter.DefaultAdvertisement()
	if adv == nil {
		return errors.New("advertising not supported")
	}
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: uuids,
	}); err != nil {
		return err
	}
	return adv.Start()
}

func (s *adapterStack) StopAdvertising() error {
	adv := s.adapter.DefaultAdvertisement()
	if adv == nil {
		return nil
	}
	return adv.Stop()
}
