// Package session runs the IOX BLE peripheral state machine: it publishes the
// GATT service, advertises, performs the sync/handshake exchange with the IOX
// and turns reassembled telemetry frames into events.
//
// All session state lives on one goroutine (the loop). Inbound writes are
// processed on a serial work queue so frame parsing never delays the next
// radio event; the queue hands state transitions back to the loop.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"ioxble/internal/peripheral"
	"ioxble/internal/protocol"
)

// DefaultSyncInterval is how often the sync byte is repeated while waiting
// for the handshake.
const DefaultSyncInterval = time.Second

// DefaultCharacteristicUUID is the notify/write characteristic used when
// Options leaves it empty.
const DefaultCharacteristicUUID = "430f2ea3-c765-4051-9134-a341254cfd00"

// Options configures a Session.
type Options struct {
	Manager            peripheral.Manager
	Listener           Listener
	Logger             *zap.Logger
	CharacteristicUUID string
	LocalName          string
	SyncInterval       time.Duration
}

// StartOptions are the arguments of Start.
type StartOptions struct {
	ServiceUUID string
	// Reconnect resumes the sync sequence as soon as advertising is up when
	// a central is still subscribed from before.
	Reconnect bool
}

// Stats are running counters for diagnostics.
type Stats struct {
	FramesDecoded    int64 `json:"framesDecoded"`
	DecodeErrors     int64 `json:"decodeErrors"`
	DroppedFragments int64 `json:"droppedFragments"`
	BufferedBytes    int64 `json:"bufferedBytes"` // partial frame awaiting more writes
}

// Status is a point-in-time view of the session.
type Status struct {
	State       State  `json:"state"`
	StateName   string `json:"stateName"`
	Started     bool   `json:"started"`
	Starting    bool   `json:"starting"`
	ServiceUUID string `json:"serviceUuid,omitempty"`
	Reconnect   bool   `json:"reconnect"`
	Central     string `json:"central,omitempty"`
	Stats       Stats  `json:"stats"`
}

type startPhase int

const (
	phasePower startPhase = iota
	phaseService
	phaseAdvertising
)

type pendingStart struct {
	opts   StartOptions
	phase  startPhase
	result chan error
}

// Session drives one peripheral Manager. Create it with New and release it
// with Close.
type Session struct {
	mgr          peripheral.Manager
	listener     Listener
	log          *zap.Logger
	charUUID     string
	localName    string
	syncInterval time.Duration

	state    atomic.Int32
	starting atomic.Bool

	cmds      chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// loop-owned
	started           bool
	pending           *pendingStart
	opts              StartOptions
	central           *peripheral.Central
	centralSubscribed bool
	generation        uint64
	syncTimer         *time.Timer
	syncC             <-chan time.Time

	// work-queue-owned
	queue    *workQueue
	reasm    *protocol.Reassembler
	reasmGen uint64

	notifier *workQueue

	framesDecoded    atomic.Int64
	decodeErrors     atomic.Int64
	droppedFragments atomic.Int64
	bufferedBytes    atomic.Int64
}

// New creates a session bound to opts.Manager and starts its loop.
func New(opts Options) (*Session, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("%w: peripheral manager is required", ErrInvalidArgument)
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if _, err := uuid.FromString(opts.CharacteristicUUID); err != nil {
		return nil, fmt.Errorf("%w: characteristic uuid %q: %v", ErrInvalidArgument, opts.CharacteristicUUID, err)
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Session{
		mgr:          opts.Manager,
		listener:     opts.Listener,
		log:          opts.Logger.With(zap.String("component", "session")),
		charUUID:     opts.CharacteristicUUID,
		localName:    opts.LocalName,
		syncInterval: opts.SyncInterval,
		cmds:         make(chan func()),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		queue:        newWorkQueue(),
		reasm:        protocol.NewReassembler(),
		notifier:     newWorkQueue(),
	}
	s.queue.Suspend()

	go s.loop()
	return s, nil
}

// ============================================================================
// Public API
// ============================================================================

// State returns the current state. It is safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stats returns the running counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesDecoded:    s.framesDecoded.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		DroppedFragments: s.droppedFragments.Load(),
		BufferedBytes:    s.bufferedBytes.Load(),
	}
}

// Status returns a consistent snapshot taken on the session loop.
func (s *Session) Status() Status {
	var st Status
	if err := s.call(func() {
		st = Status{
			State:       s.State(),
			StateName:   s.State().String(),
			Started:     s.started,
			Starting:    s.pending != nil,
			Reconnect:   s.opts.Reconnect,
			ServiceUUID: s.opts.ServiceUUID,
		}
		if s.central != nil {
			st.Central = s.central.ID
		}
	}); err != nil {
		st = Status{State: s.State(), StateName: s.State().String()}
	}
	st.Stats = s.Stats()
	return st
}

// Start publishes the service and begins advertising. It returns once
// advertising is up, the start failed, or ctx is done; in the last case the
// start carries on and its outcome is reported as EventStartCompleted.
//
// A malformed service UUID fails with ErrInvalidArgument, and a call made
// while another Start is outstanding fails with ErrStartInProgress. Neither
// produces an event.
func (s *Session) Start(ctx context.Context, opts StartOptions) error {
	if _, err := uuid.FromString(opts.ServiceUUID); err != nil {
		return fmt.Errorf("%w: service uuid %q: %v", ErrInvalidArgument, opts.ServiceUUID, err)
	}
	if !s.starting.CompareAndSwap(false, true) {
		return ErrStartInProgress
	}

	result := make(chan error, 1)
	if err := s.call(func() { s.beginStart(opts, result) }); err != nil {
		s.starting.Store(false)
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears the session down and returns once it is Idle. Stopping an idle
// session does nothing.
func (s *Session) Stop() {
	_ = s.call(func() { s.stop(ErrStopped) })
}

// Close stops the session and releases its goroutines. The manager is not
// closed; it belongs to the caller.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		close(s.quit)
		<-s.loopDone
		s.queue.Close()
		s.notifier.Close()
	})
	return nil
}

// ============================================================================
// Loop
// ============================================================================

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.quit:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

// post runs fn on the loop without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.quit:
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	events := s.mgr.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.handleManagerClosed()
				continue
			}
			s.handleManagerEvent(ev)
		case fn := <-s.cmds:
			fn()
		case <-s.syncC:
			s.syncTimer, s.syncC = nil, nil
			s.resendSync()
		case <-s.quit:
			s.stopSync()
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	if s.listener == nil {
		return
	}
	l := s.listener
	s.notifier.Enqueue(func() { l.HandleEvent(ev) })
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.log.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	s.emit(Event{Kind: EventStateChanged, State: st})
}

// ============================================================================
// Start / Stop (loop)
// ============================================================================

func (s *Session) beginStart(opts StartOptions, result chan error) {
	if s.started {
		s.starting.Store(false)
		result <- ErrAlreadyStarted
		s.emit(Event{Kind: EventStartCompleted, Err: ErrAlreadyStarted})
		return
	}

	s.log.Info("starting", zap.String("service", opts.ServiceUUID), zap.Bool("reconnect", opts.Reconnect))
	s.opts = opts
	s.pending = &pendingStart{opts: opts, phase: phasePower, result: result}
	s.queue.Resume()

	st := s.mgr.State()
	switch {
	case st == peripheral.StatePoweredOn:
		s.addService()
	case st.Transient():
		s.log.Info("waiting for bluetooth", zap.Stringer("manager", st))
	default:
		s.failStart(&CapabilityError{State: st})
	}
}

func (s *Session) addService() {
	s.pending.phase = phaseService
	s.mgr.AddService(peripheral.Service{
		UUID:               s.pending.opts.ServiceUUID,
		CharacteristicUUID: s.charUUID,
	})
}

func (s *Session) finishStart(p *pendingStart, err error) {
	s.starting.Store(false)
	p.result <- err
	s.emit(Event{Kind: EventStartCompleted, Err: err})
}

func (s *Session) failStart(err error) {
	s.log.Warn("start failed", zap.Error(err))
	p := s.pending
	s.pending = nil
	s.teardown()
	if p != nil {
		s.finishStart(p, err)
	}
}

func (s *Session) stop(reason error) {
	if !s.started && s.pending == nil && s.State() == StateIdle {
		return
	}
	s.log.Info("stopping", zap.Stringer("state", s.State()))
	p := s.pending
	s.pending = nil
	s.teardown()
	if p != nil {
		s.finishStart(p, reason)
	}
}

// teardown withdraws advertising and the service and returns to Idle.
func (s *Session) teardown() {
	if s.State() != StateIdle {
		s.setState(StateDisconnecting)
	}
	s.stopSync()
	s.generation++
	s.queue.CancelAll()
	s.queue.Suspend()
	s.mgr.StopAdvertising()
	s.mgr.RemoveAllServices()
	s.started = false
	s.setState(StateIdle)
}

// stopUnexpectedly ends a started session because of an external failure.
func (s *Session) stopUnexpectedly(err error) {
	s.log.Error("session lost", zap.Error(err))
	s.emit(Event{Kind: EventStoppedUnexpectedly, Err: err})
	s.stop(err)
}

// ============================================================================
// Manager events (loop)
// ============================================================================

func (s *Session) handleManagerEvent(ev peripheral.Event) {
	switch ev.Kind {
	case peripheral.EventStateUpdated:
		s.handlePowerState(ev.State)
	case peripheral.EventServiceAdded:
		s.handleServiceAdded(ev.Err)
	case peripheral.EventAdvertisingStarted:
		s.handleAdvertisingStarted(ev.Err)
	case peripheral.EventCentralSubscribed:
		s.handleSubscribed(ev.Central)
	case peripheral.EventCentralUnsubscribed:
		s.handleUnsubscribed(ev.Central)
	case peripheral.EventWriteRequests:
		s.handleWrites(ev.Requests)
	}
}

func (s *Session) handleManagerClosed() {
	switch {
	case s.pending != nil:
		s.failStart(ErrManagerClosed)
	case s.started:
		s.stopUnexpectedly(ErrManagerClosed)
	}
}

func (s *Session) handlePowerState(st peripheral.State) {
	s.log.Info("bluetooth state", zap.Stringer("manager", st))
	if st == peripheral.StatePoweredOn {
		if s.pending != nil && s.pending.phase == phasePower {
			s.addService()
		}
		return
	}
	if st.Transient() {
		return
	}
	switch {
	case s.pending != nil:
		s.failStart(&CapabilityError{State: st})
	case s.started:
		s.stopUnexpectedly(&CapabilityError{State: st})
	}
}

func (s *Session) handleServiceAdded(err error) {
	if s.pending == nil || s.pending.phase != phaseService {
		return
	}
	if err != nil {
		s.failStart(fmt.Errorf("add service: %w", err))
		return
	}
	s.pending.phase = phaseAdvertising
	s.mgr.StartAdvertising(peripheral.Advertisement{
		LocalName:    s.localName,
		ServiceUUIDs: []string{s.pending.opts.ServiceUUID},
	})
}

func (s *Session) handleAdvertisingStarted(err error) {
	if s.pending == nil || s.pending.phase != phaseAdvertising {
		return
	}
	if err != nil {
		s.failStart(fmt.Errorf("start advertising: %w", err))
		return
	}

	p := s.pending
	s.pending = nil
	s.started = true
	s.setState(StateAdvertising)
	s.log.Info("advertising", zap.String("service", p.opts.ServiceUUID))
	s.finishStart(p, nil)

	if p.opts.Reconnect && s.centralSubscribed {
		s.log.Info("resuming sync with subscribed central")
		s.beginSync()
	}
}

func (s *Session) handleSubscribed(c peripheral.Central) {
	s.log.Info("central subscribed", zap.String("central", c.ID), zap.Int("maxValueLength", c.MaxUpdateValueLength))
	s.central = &c
	s.centralSubscribed = true
	if s.started && s.State() == StateAdvertising {
		s.beginSync()
	}
}

func (s *Session) handleUnsubscribed(c peripheral.Central) {
	s.log.Info("central unsubscribed", zap.String("central", c.ID))
	s.central = nil
	s.centralSubscribed = false
	if !s.started {
		return
	}
	s.stopSync()
	s.generation++
	s.queue.CancelAll()
	s.setState(StateAdvertising)
	s.emit(Event{Kind: EventDisconnected})
}

func (s *Session) handleWrites(reqs []*peripheral.WriteRequest) {
	if len(reqs) == 0 {
		return
	}
	// One answer per batch, for the first request.
	s.mgr.Respond(reqs[0], nil)

	if !s.started {
		return
	}
	values := make([][]byte, len(reqs))
	for i, r := range reqs {
		values[i] = r.Value
	}
	gen := s.generation
	s.queue.Enqueue(func() { s.processWrites(gen, values) })
}

// ============================================================================
// Sync
// ============================================================================

func (s *Session) beginSync() {
	s.setState(StateSyncing)
	s.sendSync()
	s.armSync()
}

func (s *Session) sendSync() {
	if !s.mgr.UpdateValue(protocol.SyncMessage()) {
		s.log.Debug("sync notification not queued")
	}
}

func (s *Session) armSync() {
	s.stopSync()
	s.syncTimer = time.NewTimer(s.syncInterval)
	s.syncC = s.syncTimer.C
}

func (s *Session) stopSync() {
	if s.syncTimer != nil {
		s.syncTimer.Stop()
	}
	s.syncTimer, s.syncC = nil, nil
}

func (s *Session) resendSync() {
	if !s.State().awaitingLink() || s.central == nil {
		return
	}
	s.sendSync()
	s.armSync()
}

// ============================================================================
// Inbound writes (work queue)
// ============================================================================

// processWrites handles one batch, in order, on the work queue. gen is the
// link generation the batch arrived in; work from an older link is ignored.
func (s *Session) processWrites(gen uint64, values [][]byte) {
	if s.reasmGen != gen {
		s.reasm.Reset()
		s.reasmGen = gen
		s.bufferedBytes.Store(0)
	}

	for _, v := range values {
		switch s.State() {
		case StateSyncing:
			if protocol.IsHandshakeRequest(v) {
				_ = s.call(func() { s.onHandshake(gen) })
			}
		case StateHandshaking:
			if protocol.IsAcknowledgement(v) {
				_ = s.call(func() { s.onAcknowledgement(gen) })
			}
		case StateConnected:
			s.appendFragment(gen, v)
		}
	}
}

func (s *Session) appendFragment(gen uint64, v []byte) {
	before := s.reasm.Dropped()
	s.reasm.Append(v)
	full := s.reasm.Full()
	if d := s.reasm.Dropped() - before; d > 0 {
		s.droppedFragments.Add(int64(d))
		s.log.Warn("reassembly buffer discarded", zap.Int("fragmentLen", len(v)), zap.Int64("total", s.droppedFragments.Load()))
	}
	if !full {
		s.bufferedBytes.Store(int64(s.reasm.Len()))
		s.log.Debug("fragment buffered", zap.Int("buffered", s.reasm.Len()), zap.Int("expected", s.reasm.Expected()))
		return
	}

	frame := s.reasm.Bytes()
	s.reasm.Reset()
	s.bufferedBytes.Store(0)
	data, err := protocol.DecodeTelemetryFrame(frame)
	if err != nil {
		s.log.Debug("frame rejected", zap.Error(err), zap.Binary("frame", frame))
	}
	s.post(func() { s.deliver(gen, data, err) })
}

func (s *Session) onHandshake(gen uint64) {
	if gen != s.generation || s.State() != StateSyncing {
		return
	}
	s.setState(StateHandshaking)
	if !s.mgr.UpdateValue(protocol.HandshakeConfirmation()) {
		s.log.Warn("handshake confirmation not queued")
	}
}

func (s *Session) onAcknowledgement(gen uint64) {
	if gen != s.generation || s.State() != StateHandshaking {
		return
	}
	s.stopSync()
	s.setState(StateConnected)
	s.log.Info("connected")
}

func (s *Session) deliver(gen uint64, data protocol.GoDeviceData, err error) {
	if gen != s.generation || s.State() != StateConnected {
		return
	}
	if err != nil {
		s.decodeErrors.Add(1)
		s.emit(Event{Kind: EventReceived, Err: err})
		return
	}
	s.framesDecoded.Add(1)
	s.emit(Event{Kind: EventReceived, Data: &data})
}
