package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"ioxble/internal/peripheral"
	"ioxble/internal/protocol"
)

const testService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

// recorder captures session events in delivery order.
type recorder struct {
	ch chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 1024)}
}

func (r *recorder) HandleEvent(ev Event) { r.ch <- ev }

// next returns the next event of the given kind, skipping others.
func (r *recorder) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
			return Event{}
		}
	}
}

// drain returns every event delivered within d.
func (r *recorder) drain(d time.Duration) []Event {
	var out []Event
	timeout := time.After(d)
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
}

type harness struct {
	t    *testing.T
	l    *peripheral.Loopback
	s    *Session
	recv *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := peripheral.NewLoopback()
	rec := newRecorder()
	s, err := New(Options{
		Manager:      l,
		Listener:     rec,
		Logger:       zaptest.NewLogger(t),
		LocalName:    "ioxble-test",
		SyncInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		l.Close()
	})
	return &harness{t: t, l: l, s: s, recv: rec}
}

func (h *harness) start(opts StartOptions) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = testService
	}
	if err := h.s.Start(ctx, opts); err != nil {
		h.t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("State() = %v, want %v", h.s.State(), want)
}

// expectNotification waits for a notification equal to want, skipping sync
// bytes.
func (h *harness) expectNotification(want []byte) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.l.Notifications():
			if bytes.Equal(got, want) {
				return
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for notification % x", want)
		}
	}
}

// connect drives the session from Idle to Connected.
func (h *harness) connect() {
	h.t.Helper()
	h.start(StartOptions{})
	h.l.Subscribe(peripheral.DefaultCentral)
	h.waitState(StateSyncing)
	h.expectNotification(protocol.SyncMessage())

	h.l.Write(protocol.HandshakeRequest())
	h.waitState(StateHandshaking)
	h.expectNotification(protocol.HandshakeConfirmation())

	h.l.Write(protocol.Acknowledgement())
	h.waitState(StateConnected)
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New(no manager) error = %v, want ErrInvalidArgument", err)
	}
	l := peripheral.NewLoopback()
	defer l.Close()
	if _, err := New(Options{Manager: l, CharacteristicUUID: "nope"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New(bad characteristic) error = %v, want ErrInvalidArgument", err)
	}
}

func TestStartAdvertises(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})

	if got := h.s.State(); got != StateAdvertising {
		t.Fatalf("State() = %v, want advertising", got)
	}
	adv, ok := h.l.Advertising()
	if !ok {
		t.Fatal("loopback is not advertising")
	}
	if adv.LocalName != "ioxble-test" || len(adv.ServiceUUIDs) != 1 || adv.ServiceUUIDs[0] != testService {
		t.Errorf("advertisement = %+v", adv)
	}
	svcs := h.l.Services()
	if len(svcs) != 1 || svcs[0].UUID != testService || svcs[0].CharacteristicUUID != DefaultCharacteristicUUID {
		t.Errorf("services = %+v", svcs)
	}

	ev := h.recv.next(t, EventStateChanged)
	if ev.State != StateAdvertising {
		t.Errorf("first state event = %v, want advertising", ev.State)
	}
	if ev := h.recv.next(t, EventStartCompleted); ev.Err != nil {
		t.Errorf("startCompleted error = %v", ev.Err)
	}

	st := h.s.Status()
	if !st.Started || st.Starting || st.ServiceUUID != testService || st.StateName != "advertising" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestStartRejectsMalformedUUID(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"", "not-a-uuid", "6e400001-b5a3-f393-e0a9"} {
		err := h.s.Start(context.Background(), StartOptions{ServiceUUID: id})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Start(%q) error = %v, want ErrInvalidArgument", id, err)
		}
	}
	if h.s.State() != StateIdle {
		t.Errorf("State() = %v, want idle", h.s.State())
	}
	if evs := h.recv.drain(50 * time.Millisecond); len(evs) != 0 {
		t.Errorf("argument errors produced events: %+v", evs)
	}
}

func TestStartWhileStarted(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})
	h.recv.next(t, EventStartCompleted)

	err := h.s.Start(context.Background(), StartOptions{ServiceUUID: testService})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if ev := h.recv.next(t, EventStartCompleted); !errors.Is(ev.Err, ErrAlreadyStarted) {
		t.Errorf("startCompleted error = %v, want ErrAlreadyStarted", ev.Err)
	}
	if h.s.State() != StateAdvertising {
		t.Errorf("State() = %v, want advertising", h.s.State())
	}
}

func TestStartSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.l.SetState(peripheral.StateUnknown)

	first := make(chan error, 1)
	go func() {
		first <- h.s.Start(context.Background(), StartOptions{ServiceUUID: testService})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !h.s.Status().Starting {
		if time.Now().After(deadline) {
			t.Fatal("first Start never became pending")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := h.s.Start(context.Background(), StartOptions{ServiceUUID: testService}); !errors.Is(err, ErrStartInProgress) {
		t.Fatalf("concurrent Start() error = %v, want ErrStartInProgress", err)
	}

	h.l.SetState(peripheral.StatePoweredOn)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Start() never returned")
	}
	if h.s.State() != StateAdvertising {
		t.Errorf("State() = %v, want advertising", h.s.State())
	}

	var completed int
	for _, ev := range h.recv.drain(50 * time.Millisecond) {
		if ev.Kind == EventStartCompleted {
			completed++
			if ev.Err != nil {
				t.Errorf("startCompleted error = %v", ev.Err)
			}
		}
	}
	if completed != 1 {
		t.Errorf("got %d startCompleted events, want 1", completed)
	}
}

func TestStartCapabilityErrors(t *testing.T) {
	tests := []peripheral.State{
		peripheral.StatePoweredOff,
		peripheral.StateUnauthorized,
		peripheral.StateUnsupported,
	}
	for _, st := range tests {
		t.Run(st.String(), func(t *testing.T) {
			h := newHarness(t)
			h.l.SetState(st)

			err := h.s.Start(context.Background(), StartOptions{ServiceUUID: testService})
			var ce *CapabilityError
			if !errors.As(err, &ce) || ce.State != st {
				t.Fatalf("Start() error = %v, want CapabilityError{%v}", err, st)
			}
			if h.s.State() != StateIdle {
				t.Errorf("State() = %v, want idle", h.s.State())
			}
			if _, ok := h.l.Advertising(); ok {
				t.Error("still advertising after a failed start")
			}
		})
	}
}

func TestStartPeripheralFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		inject func(l *peripheral.Loopback)
	}{
		{"add service", func(l *peripheral.Loopback) { l.FailAddService(boom) }},
		{"advertising", func(l *peripheral.Loopback) { l.FailAdvertising(boom) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.inject(h.l)

			err := h.s.Start(context.Background(), StartOptions{ServiceUUID: testService})
			if !errors.Is(err, boom) {
				t.Fatalf("Start() error = %v, want boom", err)
			}
			if ev := h.recv.next(t, EventStartCompleted); !errors.Is(ev.Err, boom) {
				t.Errorf("startCompleted error = %v, want boom", ev.Err)
			}
			if h.s.State() != StateIdle {
				t.Errorf("State() = %v, want idle", h.s.State())
			}
			if len(h.l.Services()) != 0 {
				t.Error("service left registered after a failed start")
			}
		})
	}
}

func TestHandshakeSequence(t *testing.T) {
	h := newHarness(t)
	h.connect()

	var states []State
	for _, ev := range h.recv.drain(50 * time.Millisecond) {
		if ev.Kind == EventStateChanged {
			states = append(states, ev.State)
		}
	}
	want := []State{StateAdvertising, StateSyncing, StateHandshaking, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("state events = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state events = %v, want %v", states, want)
		}
	}
}

func TestSyncRepeatsUntilConnected(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})
	h.l.Subscribe(peripheral.DefaultCentral)

	for i := 0; i < 3; i++ {
		h.expectNotification(protocol.SyncMessage())
	}

	h.l.Write(protocol.HandshakeRequest())
	h.l.Write(protocol.Acknowledgement())
	h.waitState(StateConnected)

	// Drain whatever was queued before the link came up, then expect silence.
	time.Sleep(60 * time.Millisecond)
	for len(h.l.Notifications()) > 0 {
		<-h.l.Notifications()
	}
	select {
	case got := <-h.l.Notifications():
		t.Errorf("notification % x after connecting, want none", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOutOfOrderControlBytes(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})
	h.l.Subscribe(peripheral.DefaultCentral)
	h.waitState(StateSyncing)

	frame := protocol.Record{Timestamp: 4}.Frame()
	h.l.Write(protocol.Acknowledgement())
	h.l.Write(frame)
	time.Sleep(50 * time.Millisecond)
	if h.s.State() != StateSyncing {
		t.Fatalf("ack before handshake moved state to %v", h.s.State())
	}

	h.l.Write(protocol.HandshakeRequest())
	h.waitState(StateHandshaking)
	h.l.Write(protocol.HandshakeRequest())
	h.l.Write(frame)
	time.Sleep(50 * time.Millisecond)
	if h.s.State() != StateHandshaking {
		t.Fatalf("state = %v, want handshaking", h.s.State())
	}

	for _, ev := range h.recv.drain(20 * time.Millisecond) {
		if ev.Kind == EventReceived {
			t.Errorf("telemetry decoded before connecting: %+v", ev)
		}
	}
}

func TestHandshakeAndAckInOneBatch(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})
	h.l.Subscribe(peripheral.DefaultCentral)
	h.waitState(StateSyncing)

	frame := protocol.Record{Timestamp: 9, DriverID: 3}.Frame()
	h.l.Write(protocol.HandshakeRequest(), protocol.Acknowledgement(), frame)

	ev := h.recv.next(t, EventReceived)
	if ev.Err != nil || ev.Data == nil || ev.Data.DriverID != 3 {
		t.Fatalf("event = %+v, want decoded data for driver 3", ev)
	}
	if h.s.State() != StateConnected {
		t.Errorf("State() = %v, want connected", h.s.State())
	}
}

func TestWriteBatchAnsweredOnce(t *testing.T) {
	h := newHarness(t)
	h.connect()
	for len(h.l.Responses()) > 0 {
		<-h.l.Responses()
	}

	h.l.Write([]byte{1}, []byte{2}, []byte{3})
	var first peripheral.Response
	select {
	case first = <-h.l.Responses():
	case <-time.After(2 * time.Second):
		t.Fatal("write batch was never answered")
	}
	if !bytes.Equal(first.Request.Value, []byte{1}) || first.Err != nil {
		t.Errorf("response = %+v, want success for the first request", first)
	}
	select {
	case r := <-h.l.Responses():
		t.Errorf("extra response %+v for the same batch", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTelemetryDelivery(t *testing.T) {
	h := newHarness(t)
	h.connect()

	frames := [][]byte{
		protocol.Record{Timestamp: 1, DriverID: 1}.Frame(),
		protocol.Record{Timestamp: 2, DriverID: 2}.Frame(),
		protocol.Record{Timestamp: 3, DriverID: 3}.Frame(),
	}
	for _, f := range frames {
		// 20-byte writes, the default ATT payload.
		for i := 0; i < len(f); i += 20 {
			end := i + 20
			if end > len(f) {
				end = len(f)
			}
			h.l.Write(f[i:end])
		}
	}

	for want := uint32(1); want <= 3; want++ {
		ev := h.recv.next(t, EventReceived)
		if ev.Err != nil || ev.Data == nil {
			t.Fatalf("event = %+v, want data", ev)
		}
		if ev.Data.DriverID != want {
			t.Errorf("DriverID = %d, want %d (order)", ev.Data.DriverID, want)
		}
	}
	if got := h.s.Stats().FramesDecoded; got != 3 {
		t.Errorf("FramesDecoded = %d, want 3", got)
	}
}

func TestBadFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	h.connect()

	bad := protocol.Record{Timestamp: 1}.Frame()
	bad[len(bad)-3]++
	h.l.Write(bad)

	ev := h.recv.next(t, EventReceived)
	if !errors.Is(ev.Err, protocol.ErrInvalidPayload) {
		t.Fatalf("event error = %v, want ErrInvalidPayload", ev.Err)
	}
	if h.s.State() != StateConnected {
		t.Fatalf("State() = %v after a bad frame, want connected", h.s.State())
	}

	h.l.Write(protocol.Record{Timestamp: 2, DriverID: 5}.Frame())
	if ev := h.recv.next(t, EventReceived); ev.Data == nil || ev.Data.DriverID != 5 {
		t.Errorf("event = %+v, want data after a bad frame", ev)
	}
	if got := h.s.Stats().DecodeErrors; got != 1 {
		t.Errorf("DecodeErrors = %d, want 1", got)
	}
}

func TestOverflowSelfHeals(t *testing.T) {
	h := newHarness(t)
	h.connect()

	frame := protocol.Record{Timestamp: 7, DriverID: 8}.Frame()
	h.l.Write(frame[:30])
	h.l.Write(append(append([]byte(nil), frame[30:]...), 0xAA, 0xBB, 0xCC))
	h.l.Write(frame)

	ev := h.recv.next(t, EventReceived)
	if ev.Data == nil || ev.Data.DriverID != 8 {
		t.Fatalf("event = %+v, want the clean frame", ev)
	}
	for _, ev := range h.recv.drain(50 * time.Millisecond) {
		if ev.Kind == EventReceived {
			t.Errorf("extra event from the corrupted prefix: %+v", ev)
		}
	}
	if got := h.s.Stats().DroppedFragments; got != 1 {
		t.Errorf("DroppedFragments = %d, want 1", got)
	}
}

func TestPartialFrameIsBuffered(t *testing.T) {
	h := newHarness(t)
	h.connect()

	frame := protocol.Record{Timestamp: 9, DriverID: 10}.Frame()
	h.l.Write(frame[:30])
	deadline := time.Now().Add(2 * time.Second)
	for h.s.Stats().BufferedBytes != 30 {
		if time.Now().After(deadline) {
			t.Fatalf("BufferedBytes = %d, want 30", h.s.Stats().BufferedBytes)
		}
		time.Sleep(2 * time.Millisecond)
	}

	h.l.Write(frame[30:])
	if ev := h.recv.next(t, EventReceived); ev.Data == nil || ev.Data.DriverID != 10 {
		t.Fatalf("event = %+v, want the completed frame", ev)
	}
	if got := h.s.Stats().BufferedBytes; got != 0 {
		t.Errorf("BufferedBytes = %d after a complete frame, want 0", got)
	}
}

func TestUnsubscribeReturnsToAdvertising(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.l.Unsubscribe()
	h.waitState(StateAdvertising)
	h.recv.next(t, EventDisconnected)

	// A new central has to go through the handshake again.
	h.l.Subscribe(peripheral.DefaultCentral)
	h.waitState(StateSyncing)
	h.l.Write(protocol.Record{Timestamp: 1}.Frame())
	time.Sleep(30 * time.Millisecond)
	for _, ev := range h.recv.drain(20 * time.Millisecond) {
		if ev.Kind == EventReceived {
			t.Errorf("telemetry decoded while syncing: %+v", ev)
		}
	}
}

func TestReconnectResumesSync(t *testing.T) {
	tests := []struct {
		reconnect bool
		want      State
	}{
		{true, StateSyncing},
		{false, StateAdvertising},
	}
	for _, tt := range tests {
		t.Run(map[bool]string{true: "reconnect", false: "fresh"}[tt.reconnect], func(t *testing.T) {
			h := newHarness(t)
			h.l.Subscribe(peripheral.DefaultCentral)
			time.Sleep(20 * time.Millisecond)

			h.start(StartOptions{Reconnect: tt.reconnect})
			h.waitState(tt.want)
			time.Sleep(30 * time.Millisecond)
			if got := h.s.State(); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPowerLossStopsSession(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.l.SetState(peripheral.StatePoweredOff)
	ev := h.recv.next(t, EventStoppedUnexpectedly)
	if !IsCapabilityError(ev.Err) {
		t.Errorf("stoppedUnexpectedly error = %v, want CapabilityError", ev.Err)
	}
	h.waitState(StateIdle)
	if _, ok := h.l.Advertising(); ok {
		t.Error("still advertising after power loss")
	}
}

func TestTransientPowerStateIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})
	h.l.SetState(peripheral.StateResetting)
	time.Sleep(30 * time.Millisecond)
	if h.s.State() != StateAdvertising {
		t.Errorf("State() = %v after a transient state, want advertising", h.s.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.recv.drain(30 * time.Millisecond)

	h.s.Stop()
	if h.s.State() != StateIdle {
		t.Fatalf("State() = %v after Stop, want idle", h.s.State())
	}
	first := h.recv.drain(50 * time.Millisecond)
	if len(first) == 0 {
		t.Fatal("Stop produced no events")
	}
	last := first[len(first)-1]
	if last.Kind != EventStateChanged || last.State != StateIdle {
		t.Errorf("last event = %+v, want stateChanged idle", last)
	}

	h.s.Stop()
	if evs := h.recv.drain(50 * time.Millisecond); len(evs) != 0 {
		t.Errorf("second Stop produced events: %+v", evs)
	}
	if _, ok := h.l.Advertising(); ok {
		t.Error("still advertising after Stop")
	}

	// A stopped session can be started again.
	h.start(StartOptions{})
	if h.s.State() != StateAdvertising {
		t.Errorf("State() = %v after restart, want advertising", h.s.State())
	}
}

func TestStopCancelsPendingStart(t *testing.T) {
	h := newHarness(t)
	h.l.SetState(peripheral.StateUnknown)

	result := make(chan error, 1)
	go func() {
		result <- h.s.Start(context.Background(), StartOptions{ServiceUUID: testService})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !h.s.Status().Starting {
		if time.Now().After(deadline) {
			t.Fatal("Start never became pending")
		}
		time.Sleep(2 * time.Millisecond)
	}

	h.s.Stop()
	select {
	case err := <-result:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Start() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Stop")
	}
}

func TestManagerClosedStopsSession(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})
	h.l.Close()

	ev := h.recv.next(t, EventStoppedUnexpectedly)
	if !errors.Is(ev.Err, ErrManagerClosed) {
		t.Errorf("error = %v, want ErrManagerClosed", ev.Err)
	}
	h.waitState(StateIdle)
}

func TestCloseReleasesSession(t *testing.T) {
	h := newHarness(t)
	h.start(StartOptions{})
	if err := h.s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := h.s.Start(context.Background(), StartOptions{ServiceUUID: testService}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	if h.s.State() != StateIdle {
		t.Errorf("State() = %v after Close, want idle", h.s.State())
	}
}

func TestStateAndEventStrings(t *testing.T) {
	states := map[State]string{
		StateIdle: "idle", StateAdvertising: "advertising", StateSyncing: "syncing",
		StateHandshaking: "handshaking", StateConnected: "connected", StateDisconnecting: "disconnecting",
		State(9): "State(9)",
	}
	for st, want := range states {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
	if int(StateConnected) != 4 {
		t.Errorf("StateConnected = %d, want 4", int(StateConnected))
	}
	if EventStoppedUnexpectedly.String() != "stoppedUnexpectedly" || EventKind(0).String() != "EventKind(0)" {
		t.Error("EventKind.String() mismatch")
	}
}
