// Package bluez is the Linux peripheral backend. It exports a GATT
// application and an LE advertisement over D-Bus and registers them with
// BlueZ on the system bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"go.uber.org/zap"

	"ioxble/internal/config"
	"ioxble/internal/peripheral"
)

// BlueZ DBus constants
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	gattManager1      = "org.bluez.GattManager1"
	advManager1       = "org.bluez.LEAdvertisingManager1"
	gattService1      = "org.bluez.GattService1"
	gattChar1         = "org.bluez.GattCharacteristic1"
	leAdvertisement1  = "org.bluez.LEAdvertisement1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	introspectIface   = "org.freedesktop.DBus.Introspectable"

	bluetoothUnit = "bluetooth.service"

	registerTimeout = 10 * time.Second
)

// Options configures the BlueZ manager.
type Options struct {
	Adapter      string        // default hci0
	WriteTimeout time.Duration // how long a write request reply is held
	Logger       *zap.Logger
}

// Manager implements peripheral.Manager on BlueZ.
type Manager struct {
	conn         *dbus.Conn
	adapter      string
	adapterPath  dbus.ObjectPath
	writeTimeout time.Duration
	log          *zap.Logger
	emitter      *peripheral.Emitter

	mu          sync.Mutex
	state       peripheral.State
	appExported bool
	appGen      uint64
	advExported bool
	advGen      uint64
	charProps   *prop.Properties
	notifying   bool
	device      dbus.ObjectPath
	mtu         int
	closed      bool

	sigCh     chan *dbus.Signal
	stopCh    chan struct{}
	closeOnce sync.Once
}

var _ peripheral.Manager = (*Manager)(nil)

// Open connects to the system bus and reads the adapter state. A missing
// adapter or an inactive bluetooth.service is not an error: the manager
// reports StateUnsupported.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	adapter, err := config.SanitizeAdapterName(opts.Adapter)
	if err != nil {
		return nil, err
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	m := &Manager{
		conn:         conn,
		adapter:      adapter,
		adapterPath:  dbus.ObjectPath("/org/bluez/" + adapter),
		writeTimeout: opts.WriteTimeout,
		log:          opts.Logger.With(zap.String("component", "bluez"), zap.String("adapter", adapter)),
		emitter:      peripheral.NewEmitter(),
		stopCh:       make(chan struct{}),
	}
	m.state = m.probeState(ctx)
	m.log.Info("adapter state", zap.Stringer("state", m.state))

	if err := m.watchAdapter(); err != nil {
		m.log.Warn("adapter power changes will not be tracked", zap.Error(err))
	}
	return m, nil
}

// ============================================================================
// Adapter state
// ============================================================================

// probeState checks bluetooth.service through systemd, then the adapter's
// Powered property.
func (m *Manager) probeState(ctx context.Context) peripheral.State {
	if active, err := unitActive(ctx, bluetoothUnit); err != nil {
		// No systemd (container): rely on the adapter alone.
		m.log.Debug("systemd unavailable", zap.Error(err))
	} else if !active {
		m.log.Warn("bluetooth.service is not active")
		return peripheral.StateUnsupported
	}

	powered, err := getDBusProperty[bool](m.conn, m.adapterPath, bluezAdapter1, "Powered")
	if err != nil {
		m.log.Warn("adapter unavailable", zap.Error(err))
		return stateForError(err, peripheral.StateUnsupported)
	}
	if powered {
		return peripheral.StatePoweredOn
	}
	return peripheral.StatePoweredOff
}

// unitActive reports whether a systemd unit is active.
func unitActive(ctx context.Context, unit string) (bool, error) {
	conn, err := sdbus.NewWithContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return false, err
	}
	state, _ := props["ActiveState"].(string)
	return state == "active", nil
}

// watchAdapter tracks the adapter's Powered property.
func (m *Manager) watchAdapter() error {
	matchRule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, m.adapterPath,
	)
	call := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule)
	if call.Err != nil {
		return fmt.Errorf("failed to add signal match: %w", call.Err)
	}

	m.sigCh = make(chan *dbus.Signal, 16)
	m.conn.Signal(m.sigCh)

	go func() {
		for {
			select {
			case <-m.stopCh:
				m.conn.RemoveSignal(m.sigCh)
				return
			case sig, ok := <-m.sigCh:
				if !ok {
					return
				}
				if powered, ok := poweredChange(sig, m.adapterPath); ok {
					m.setPowered(powered)
				}
			}
		}
	}()
	return nil
}

// poweredChange extracts Adapter1.Powered from a PropertiesChanged signal.
func poweredChange(sig *dbus.Signal, adapterPath dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Path != adapterPath || sig.Name != dbusProperties+".PropertiesChanged" {
		return false, false
	}
	if len(sig.Body) < 2 {
		return false, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezAdapter1 {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	powered, ok := v.Value().(bool)
	return powered, ok
}

func (m *Manager) setPowered(powered bool) {
	st := peripheral.StatePoweredOff
	if powered {
		st = peripheral.StatePoweredOn
	}
	m.setState(st)
}

func (m *Manager) setState(st peripheral.State) {
	m.mu.Lock()
	if m.state == st || m.closed {
		m.mu.Unlock()
		return
	}
	m.state = st
	m.mu.Unlock()

	m.log.Info("adapter state changed", zap.Stringer("state", st))
	m.emitter.Emit(peripheral.Event{Kind: peripheral.EventStateUpdated, State: st})
}

// stateForError classifies a BlueZ error reply.
func stateForError(err error, fallback peripheral.State) peripheral.State {
	var derr dbus.Error
	if errors.As(err, &derr) {
		switch derr.Name {
		case "org.bluez.Error.NotPermitted", "org.freedesktop.DBus.Error.AccessDenied":
			return peripheral.StateUnauthorized
		case "org.bluez.Error.NotReady":
			return peripheral.StatePoweredOff
		}
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) {
		return stateForError(*pderr, fallback)
	}
	if strings.Contains(err.Error(), "AccessDenied") {
		return peripheral.StateUnauthorized
	}
	return fallback
}

// ============================================================================
// peripheral.Manager
// ============================================================================

func (m *Manager) State() peripheral.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Events() <-chan peripheral.Event {
	return m.emitter.C()
}

// AddService exports the GATT application and registers it with the
// adapter's GattManager1. The result is reported as EventServiceAdded.
func (m *Manager) AddService(svc peripheral.Service) {
	m.mu.Lock()
	if m.appExported {
		m.mu.Unlock()
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventServiceAdded, Err: errors.New("bluez: application already registered")})
		return
	}
	m.mu.Unlock()

	if err := m.exportApplication(svc); err != nil {
		m.unexportApplication()
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventServiceAdded, Err: fmt.Errorf("bluez: export application: %w", err)})
		return
	}

	m.mu.Lock()
	m.appGen++
	gen := m.appGen
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		obj := m.conn.Object(bluezBus, m.adapterPath)
		call := obj.CallWithContext(ctx, gattManager1+".RegisterApplication", 0, appPath, map[string]dbus.Variant{})

		m.mu.Lock()
		stale := gen != m.appGen || !m.appExported
		m.mu.Unlock()
		if stale {
			return
		}
		if call.Err != nil {
			m.log.Warn("RegisterApplication failed", zap.Error(call.Err))
			m.emitter.Emit(peripheral.Event{Kind: peripheral.EventServiceAdded, Err: fmt.Errorf("bluez: register application: %w", call.Err)})
			if st := stateForError(call.Err, peripheral.StatePoweredOn); st == peripheral.StateUnauthorized {
				m.setState(st)
			}
			return
		}
		m.log.Info("GATT application registered", zap.String("service", svc.UUID))
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventServiceAdded})
	}()
}

func (m *Manager) exportApplication(svc peripheral.Service) error {
	app := &application{serviceUUID: svc.UUID, charUUID: svc.CharacteristicUUID}
	if _, err := exportObject(m.conn, appPath, dbusObjectManager, app, nil); err != nil {
		return err
	}
	if _, err := exportObject(m.conn, servicePath, gattService1, &serviceObject{}, toProps(serviceProperties(svc.UUID))); err != nil {
		return err
	}

	ch := &characteristic{
		emit:         m.emitter.Emit,
		central:      m.central,
		setNotifying: m.setNotifying,
		writeTimeout: m.writeTimeout,
	}
	props, err := exportObject(m.conn, charPath, gattChar1, ch, toProps(charProperties(svc.CharacteristicUUID, nil)))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.appExported = true
	m.charProps = props
	m.mu.Unlock()
	return nil
}

func (m *Manager) unexportApplication() {
	unexportObject(m.conn, charPath, gattChar1)
	unexportObject(m.conn, servicePath, gattService1)
	unexportObject(m.conn, appPath, dbusObjectManager)

	m.mu.Lock()
	m.appExported = false
	m.appGen++
	m.charProps = nil
	m.notifying = false
	m.mu.Unlock()
}

// RemoveAllServices unregisters and unexports the GATT application.
func (m *Manager) RemoveAllServices() {
	m.mu.Lock()
	exported := m.appExported
	m.mu.Unlock()
	if !exported {
		return
	}

	obj := m.conn.Object(bluezBus, m.adapterPath)
	if call := obj.Call(gattManager1+".UnregisterApplication", 0, appPath); call.Err != nil {
		m.log.Debug("UnregisterApplication", zap.Error(call.Err))
	}
	m.unexportApplication()
}

// StartAdvertising exports the advertisement and registers it with the
// adapter's LEAdvertisingManager1. The result is reported as
// EventAdvertisingStarted.
func (m *Manager) StartAdvertising(adv peripheral.Advertisement) {
	m.mu.Lock()
	if m.advExported {
		m.mu.Unlock()
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventAdvertisingStarted, Err: errors.New("bluez: already advertising")})
		return
	}
	m.mu.Unlock()

	a := &advertisement{released: func() {
		m.log.Info("advertisement released by bluez")
	}}
	if _, err := exportObject(m.conn, advPath, leAdvertisement1, a, advertisementProperties(adv)); err != nil {
		unexportObject(m.conn, advPath, leAdvertisement1)
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventAdvertisingStarted, Err: fmt.Errorf("bluez: export advertisement: %w", err)})
		return
	}

	m.mu.Lock()
	m.advExported = true
	m.advGen++
	gen := m.advGen
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		obj := m.conn.Object(bluezBus, m.adapterPath)
		call := obj.CallWithContext(ctx, advManager1+".RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{})

		m.mu.Lock()
		stale := gen != m.advGen || !m.advExported
		m.mu.Unlock()
		if stale {
			return
		}
		if call.Err != nil {
			m.log.Warn("RegisterAdvertisement failed", zap.Error(call.Err))
			m.emitter.Emit(peripheral.Event{Kind: peripheral.EventAdvertisingStarted, Err: fmt.Errorf("bluez: register advertisement: %w", call.Err)})
			return
		}
		m.log.Info("advertising", zap.Strings("services", adv.ServiceUUIDs), zap.String("name", adv.LocalName))
		m.emitter.Emit(peripheral.Event{Kind: peripheral.EventAdvertisingStarted})
	}()
}

// StopAdvertising unregisters and unexports the advertisement.
func (m *Manager) StopAdvertising() {
	m.mu.Lock()
	if !m.advExported {
		m.mu.Unlock()
		return
	}
	m.advExported = false
	m.advGen++
	m.mu.Unlock()

	obj := m.conn.Object(bluezBus, m.adapterPath)
	if call := obj.Call(advManager1+".UnregisterAdvertisement", 0, advPath); call.Err != nil {
		m.log.Debug("UnregisterAdvertisement", zap.Error(call.Err))
	}
	unexportObject(m.conn, advPath, leAdvertisement1)
}

// UpdateValue sets the characteristic value, which BlueZ sends as a
// notification through PropertiesChanged.
func (m *Manager) UpdateValue(value []byte) bool {
	m.mu.Lock()
	props, notifying := m.charProps, m.notifying
	m.mu.Unlock()
	if props == nil || !notifying {
		return false
	}

	v := make([]byte, len(value))
	copy(v, value)
	if derr := props.Set(gattChar1, "Value", dbus.MakeVariant(v)); derr != nil {
		m.log.Debug("notify failed", zap.Error(derr))
		return false
	}
	return true
}

// Respond releases the D-Bus reply held for req.
func (m *Manager) Respond(req *peripheral.WriteRequest, err error) {
	peripheral.Answer(req, err)
}

// Close withdraws everything and closes the bus connection.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.StopAdvertising()
		m.RemoveAllServices()

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.stopCh)
		m.emitter.Close()
		err = m.conn.Close()
	})
	return err
}

// ============================================================================
// Central tracking
// ============================================================================

// central identifies the remote device from write options. BlueZ does not
// pass the device to StartNotify, so the last known device is used there.
func (m *Manager) central(device dbus.ObjectPath, mtu int) peripheral.Central {
	m.mu.Lock()
	defer m.mu.Unlock()
	if device != "" {
		m.device = device
	}
	if mtu > 0 {
		m.mtu = mtu
	}
	return m.centralLocked()
}

func (m *Manager) centralLocked() peripheral.Central {
	id := string(m.device)
	if id == "" {
		id = string(m.adapterPath) + "/central"
	}
	c := peripheral.Central{ID: id}
	if m.mtu > 3 {
		c.MaxUpdateValueLength = m.mtu - 3
	}
	return c
}

// setNotifying records the notification state and reports whether it
// changed.
func (m *Manager) setNotifying(on bool) (peripheral.Central, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.notifying != on
	m.notifying = on
	return m.centralLocked(), changed
}

// ============================================================================
// DBus Helpers
// ============================================================================

// getDBusProperty reads a property from a BlueZ DBus object.
func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	obj := conn.Object(bluezBus, path)

	variant, err := obj.GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}

	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
