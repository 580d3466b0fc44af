// Package bridge exposes the IOX BLE session to the hosted web content and
// to the embedding application.
//
// Module owns the session and translates its events into scripts and named
// module events on a Gateway. Hub is the WebSocket Gateway, Handler the HTTP
// API.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ioxble/internal/peripheral"
	"ioxble/internal/protocol"
	"ioxble/internal/session"
)

// Module event names pushed to the gateway.
const (
	EventNameState        = "ioxble.state"
	EventNameGoDeviceData = "ioxble.godevicedata"
	EventNameError        = "ioxble.error"
)

// Gateway reaches the hosted web content.
type Gateway interface {
	// EvaluateScript runs script in the hosted content.
	EvaluateScript(script string) error
	// PushModuleEvent dispatches a named event whose detail is a JSON
	// document.
	PushModuleEvent(name, detail string) error
}

// NativeCallback receives decoded telemetry, or the error that replaced it,
// for use by the embedding application. Exactly one argument is non-nil.
type NativeCallback func(data *protocol.GoDeviceData, err error)

// StartParams are the arguments of the start call from the web content.
type StartParams struct {
	UUID      string `json:"uuid"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

// ModuleOptions configures a Module.
type ModuleOptions struct {
	Manager            peripheral.Manager
	Gateway            Gateway
	Native             NativeCallback
	Logger             *zap.Logger
	CharacteristicUUID string
	LocalName          string
	SyncInterval       time.Duration
}

// Module is the ioxble module. It is the only owner of its session.
type Module struct {
	sess   *session.Session
	gw     Gateway
	native NativeCallback
	log    *zap.Logger

	// set by the first successful start; errors are only surfaced after it
	started atomic.Bool
}

// NewModule creates the module and its session.
func NewModule(opts ModuleOptions) (*Module, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", session.ErrInvalidArgument)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Module{
		gw:     opts.Gateway,
		native: opts.Native,
		log:    opts.Logger.With(zap.String("component", "module")),
	}
	sess, err := session.New(session.Options{
		Manager:            opts.Manager,
		Listener:           m,
		Logger:             opts.Logger,
		CharacteristicUUID: opts.CharacteristicUUID,
		LocalName:          opts.LocalName,
		SyncInterval:       opts.SyncInterval,
	})
	if err != nil {
		return nil, err
	}
	m.sess = sess
	return m, nil
}

// Start starts the session. It returns once advertising is up or the start
// failed.
func (m *Module) Start(ctx context.Context, p StartParams) error {
	if strings.TrimSpace(p.UUID) == "" {
		return fmt.Errorf("%w: uuid is required", session.ErrInvalidArgument)
	}
	return m.sess.Start(ctx, session.StartOptions{ServiceUUID: p.UUID, Reconnect: p.Reconnect})
}

// Stop stops the session.
func (m *Module) Stop() {
	m.sess.Stop()
}

// State returns the current session state.
func (m *Module) State() session.State {
	return m.sess.State()
}

// Status returns a snapshot of the session.
func (m *Module) Status() session.Status {
	return m.sess.Status()
}

// StateScript is the script mirroring the current state into the hosted
// content.
func (m *Module) StateScript() string {
	return stateScript(m.State())
}

// Close tears the session down.
func (m *Module) Close() error {
	return m.sess.Close()
}

func stateScript(st session.State) string {
	return fmt.Sprintf("window.geotabModules.ioxble.state = %d;", int(st))
}

// HandleEvent implements session.Listener. Events arrive one at a time.
func (m *Module) HandleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventStateChanged:
		m.onStateChanged(ev.State)
	case session.EventStartCompleted:
		if ev.Err != nil {
			m.log.Info("start completed with error", zap.Error(ev.Err))
			return
		}
		m.started.Store(true)
		m.log.Info("start completed")
	case session.EventStoppedUnexpectedly:
		m.onError(ev.Err)
	case session.EventReceived:
		if ev.Err != nil {
			m.onError(ev.Err)
			return
		}
		m.onData(ev.Data)
	case session.EventDisconnected:
		// no-op hook
	}
}

func (m *Module) onStateChanged(st session.State) {
	if err := m.gw.EvaluateScript(stateScript(st)); err != nil {
		m.log.Warn("state script failed", zap.Error(err))
	}
	detail, _ := json.Marshal(map[string]int{"state": int(st)})
	m.push(EventNameState, string(detail))
}

func (m *Module) onData(d *protocol.GoDeviceData) {
	if d == nil {
		return
	}
	detail, err := json.Marshal(d)
	if err != nil {
		m.log.Error("encode telemetry", zap.Error(err))
		return
	}
	m.push(EventNameGoDeviceData, string(detail))
	if m.native != nil {
		m.native(d, nil)
	}
}

func (m *Module) onError(err error) {
	if err == nil || !m.started.Load() {
		return
	}
	detail, _ := json.Marshal(err.Error())
	m.push(EventNameError, string(detail))
	if m.native != nil {
		m.native(nil, err)
	}
}

func (m *Module) push(name, detail string) {
	if err := m.gw.PushModuleEvent(name, detail); err != nil {
		m.log.Warn("module event failed", zap.String("event", name), zap.Error(err))
	}
}
