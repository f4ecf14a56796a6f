package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/call"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/engine"
)

// fakeEngine is a scriptable engine: tests push events and observe
// which operations the worker loop invoked.
type fakeEngine struct {
	mu          sync.Mutex
	events      []engine.Event
	dials       []string
	answers     []string
	hangups     []string
	transmits   []string
	recordings  map[string]string
	recordDir   string
	autoConfirm bool
	answerErr   error
}

func newFakeEngine(recordDir string) *fakeEngine {
	return &fakeEngine{
		recordings: make(map[string]string),
		recordDir:  recordDir,
	}
}

func (f *fakeEngine) push(evs ...engine.Event) {
	f.mu.Lock()
	f.events = append(f.events, evs...)
	f.mu.Unlock()
}

func (f *fakeEngine) Start(engine.Token) error { return nil }
func (f *fakeEngine) Stop(engine.Token)        {}

func (f *fakeEngine) Poll(_ engine.Token, wait time.Duration) []engine.Event {
	f.mu.Lock()
	evs := f.events
	f.events = nil
	f.mu.Unlock()
	if len(evs) == 0 {
		// Keep test loops fast; the real engine blocks for the full wait.
		time.Sleep(time.Millisecond)
	}
	return evs
}

func (f *fakeEngine) Dial(_ engine.Token, uri string) (string, error) {
	f.mu.Lock()
	id := fmt.Sprintf("out-%d", len(f.dials))
	f.dials = append(f.dials, uri)
	auto := f.autoConfirm
	f.mu.Unlock()
	if auto {
		f.push(
			engine.Event{Type: engine.EventCallState, CallID: id, Signal: engine.SignalConfirmed, Code: 200},
			engine.Event{Type: engine.EventMediaState, CallID: id, MediaReady: true},
		)
	}
	return id, nil
}

func (f *fakeEngine) Answer(_ engine.Token, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, callID)
	return f.answerErr
}

func (f *fakeEngine) Hangup(_ engine.Token, callID string) error {
	f.mu.Lock()
	f.hangups = append(f.hangups, callID)
	f.mu.Unlock()
	f.push(engine.Event{Type: engine.EventCallState, CallID: callID, Signal: engine.SignalDisconnected, Code: 200})
	return nil
}

func (f *fakeEngine) StartRecording(_ engine.Token, callID string) (string, error) {
	path := filepath.Join(f.recordDir, "rec-"+callID+".wav")
	if err := os.WriteFile(path, make([]byte, 44), 0o644); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.recordings[callID] = path
	f.mu.Unlock()
	return path, nil
}

func (f *fakeEngine) StopRecording(_ engine.Token, callID string) error { return nil }

func (f *fakeEngine) StartTransmit(_ engine.Token, callID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transmits = append(f.transmits, path)
	return nil
}

func (f *fakeEngine) StopTransmit(_ engine.Token, callID string) error { return nil }

func (f *fakeEngine) answered(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.answers {
		if id == callID {
			return true
		}
	}
	return false
}

func (f *fakeEngine) hungUp(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.hangups {
		if id == callID {
			return true
		}
	}
	return false
}

func (f *fakeEngine) recorded(callID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.recordings[callID]
	return path, ok
}

func (f *fakeEngine) transmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transmits)
}

// frameFakeEngine adds the direct capture capability.
type frameFakeEngine struct {
	*fakeEngine
	fnMu     sync.Mutex
	frameFns map[string]func([]byte)
}

func newFrameFakeEngine(recordDir string) *frameFakeEngine {
	return &frameFakeEngine{
		fakeEngine: newFakeEngine(recordDir),
		frameFns:   make(map[string]func([]byte)),
	}
}

func (f *frameFakeEngine) StartFrameCapture(_ engine.Token, callID string, fn func([]byte)) error {
	f.fnMu.Lock()
	f.frameFns[callID] = fn
	f.fnMu.Unlock()
	return nil
}

func (f *frameFakeEngine) StopFrameCapture(_ engine.Token, callID string) error {
	f.fnMu.Lock()
	delete(f.frameFns, callID)
	f.fnMu.Unlock()
	return nil
}

func (f *frameFakeEngine) captureFn(callID string) func([]byte) {
	f.fnMu.Lock()
	defer f.fnMu.Unlock()
	return f.frameFns[callID]
}

func newTestAgent(t *testing.T, cfg Config, eng engine.Engine) *Agent {
	t.Helper()
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	a := New(cfg, eng)
	a.registerWait = 10 * time.Millisecond
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startInboundCall drives a fresh inbound call to the given point and
// returns its session.
func startInboundCall(t *testing.T, a *Agent, eng *fakeEngine, callID string, confirm bool) *call.Call {
	t.Helper()
	eng.push(engine.Event{Type: engine.EventIncomingCall, CallID: callID, RemoteURI: "sip:alice@example.com"})
	waitFor(t, "call answered", func() bool { return eng.answered(callID) })

	c, ok := a.calls.Get(callID)
	if !ok {
		t.Fatalf("call %s not in registry after answer", callID)
	}
	if confirm {
		eng.push(
			engine.Event{Type: engine.EventCallState, CallID: callID, Signal: engine.SignalConfirmed, Code: 200},
			engine.Event{Type: engine.EventMediaState, CallID: callID, MediaReady: true},
		)
		waitFor(t, "call active", c.Active)
	}
	return c
}

func TestIncomingCallLifecycle(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{}, eng)

	var notified atomic.Pointer[call.Call]
	a.OnIncomingCall(func(c *call.Call) { notified.Store(c) })

	c := startInboundCall(t, a, eng, "in-1", false)
	if c.State() != call.StatePending {
		t.Errorf("state = %s, want Pending before confirm", c.State())
	}
	waitFor(t, "orchestrator callback", func() bool { return notified.Load() != nil })

	eng.push(engine.Event{Type: engine.EventCallState, CallID: "in-1", Signal: engine.SignalConfirmed, Code: 200})
	waitFor(t, "call active", c.Active)

	eng.push(engine.Event{Type: engine.EventCallState, CallID: "in-1", Signal: engine.SignalDisconnected, Code: 200})
	waitFor(t, "call removed", func() bool { return a.calls.Count() == 0 })
	if c.State() != call.StateEnded {
		t.Errorf("state = %s, want Ended", c.State())
	}
	if got := c.EndReason(); got != call.ReasonRemoteHangup {
		t.Errorf("EndReason() = %s, want %s", got, call.ReasonRemoteHangup)
	}

	// A repeated disconnect must be a safe no-op.
	eng.push(engine.Event{Type: engine.EventCallState, CallID: "in-1", Signal: engine.SignalDisconnected, Code: 200})
	time.Sleep(50 * time.Millisecond)
	if got := a.calls.Count(); got != 0 {
		t.Errorf("Count() = %d after repeated disconnect, want 0", got)
	}
}

func TestDisconnectBeforeConfirmEndsExactlyOnce(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{}, eng)

	c := startInboundCall(t, a, eng, "in-2", false)

	eng.push(engine.Event{Type: engine.EventCallState, CallID: "in-2", Signal: engine.SignalDisconnected, Code: 487})
	waitFor(t, "call removed", func() bool { return a.calls.Count() == 0 })
	if c.State() != call.StateEnded {
		t.Errorf("state = %s, want Ended without ever being Active", c.State())
	}

	// A late confirm must not resurrect the session.
	eng.push(engine.Event{Type: engine.EventCallState, CallID: "in-2", Signal: engine.SignalConfirmed, Code: 200})
	time.Sleep(50 * time.Millisecond)
	if c.Active() {
		t.Error("ended call became active again")
	}
}

func TestReceiveAudioEmptyReturnsWithinBound(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{}, eng)
	startInboundCall(t, a, eng, "in-3", true)

	start := time.Now()
	_, err := a.ReceiveAudio(context.Background(), "in-3", 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrNoMedia) {
		t.Fatalf("ReceiveAudio error = %v, want ErrNoMedia", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("ReceiveAudio returned after %v, want timeout plus small slack", elapsed)
	}
}

func TestReceiveAudioConcatenatesChunks(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{}, eng)
	c := startInboundCall(t, a, eng, "in-4", true)

	c.Audio.Push([]byte{1, 2})
	c.Audio.Push([]byte{3})
	c.Audio.Push([]byte{4, 5, 6})

	got, err := a.ReceiveAudio(context.Background(), "in-4", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReceiveAudio failed: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	if string(got) != string(want) {
		t.Errorf("ReceiveAudio = %v, want %v", got, want)
	}
}

func TestSendAudioStagesPlaysAndCleansUp(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	tempDir := t.TempDir()
	a := newTestAgent(t, Config{TempDir: tempDir}, eng)
	startInboundCall(t, a, eng, "in-5", true)

	// 100 ms of 16 kHz mono PCM.
	pcm := make([]byte, 3200)
	if err := a.SendAudio("in-5", pcm); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	waitFor(t, "transmission start", func() bool { return eng.transmitCount() == 1 })

	// The staged file is deleted once playback completes.
	waitFor(t, "staging file cleanup", func() bool {
		entries, err := os.ReadDir(tempDir)
		return err == nil && len(entries) == 0
	})
}

func TestSendAudioUnknownCall(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{}, eng)

	err := a.SendAudio("nope", []byte{0, 0})
	if !errors.Is(err, ErrNoCall) {
		t.Fatalf("SendAudio error = %v, want ErrNoCall", err)
	}
}

func TestDialReturnsActiveCall(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	eng.autoConfirm = true
	a := newTestAgent(t, Config{}, eng)

	c, err := a.Dial(context.Background(), "sip:bob@example.com")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if !c.Active() {
		t.Error("Dial returned a non-active call")
	}
	if c.Direction != call.DirectionOutbound {
		t.Errorf("Direction = %s, want outbound", c.Direction)
	}
}

func TestDialTimeoutHangsUp(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{DialTimeout: 200 * time.Millisecond}, eng)

	_, err := a.Dial(context.Background(), "sip:slow@example.com")
	if !errors.Is(err, ErrDialTimeout) {
		t.Fatalf("Dial error = %v, want ErrDialTimeout", err)
	}
	waitFor(t, "hangup issued", func() bool { return eng.hungUp("out-0") })
	waitFor(t, "registry cleanup", func() bool { return a.calls.Count() == 0 })
}

func TestCaptureFallbackTapsRecording(t *testing.T) {
	recordDir := t.TempDir()
	eng := newFakeEngine(recordDir)
	a := newTestAgent(t, Config{}, eng)
	c := startInboundCall(t, a, eng, "in-6", true)

	path, ok := eng.recorded("in-6")
	if !ok {
		t.Fatal("recording never started for a media-ready call")
	}

	// Grow the recording; the tap should deliver the appended bytes.
	payload := []byte{10, 20, 30, 40}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("append to recording: %v", err)
	}
	f.Close()

	waitFor(t, "captured audio", func() bool { return c.Audio.Len() > 0 })
	got, err := a.ReceiveAudio(context.Background(), "in-6", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReceiveAudio failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("captured %v, want %v", got, payload)
	}
}

func TestDirectCaptureBypassesRecording(t *testing.T) {
	eng := newFrameFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{DirectCapture: true}, eng)
	c := startInboundCall(t, a, eng.fakeEngine, "in-7", true)

	waitFor(t, "frame callback installed", func() bool { return eng.captureFn("in-7") != nil })
	if _, ok := eng.recorded("in-7"); ok {
		t.Error("recording started even though direct capture is active")
	}

	eng.captureFn("in-7")([]byte{7, 7})
	waitFor(t, "frame in ring", func() bool { return c.Audio.Len() == 1 })
	got, err := a.ReceiveAudio(context.Background(), "in-7", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReceiveAudio failed: %v", err)
	}
	if string(got) != string([]byte{7, 7}) {
		t.Errorf("captured %v, want [7 7]", got)
	}
}

func TestStopHangsUpLiveCalls(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{}, eng)
	startInboundCall(t, a, eng, "in-8", true)

	a.Stop()

	if !eng.hungUp("in-8") {
		t.Error("Stop did not hang up the live call")
	}
	if got := a.calls.Count(); got != 0 {
		t.Errorf("Count() = %d after Stop, want 0", got)
	}
}

func TestRegistrationFlagFollowsEvents(t *testing.T) {
	eng := newFakeEngine(t.TempDir())
	a := newTestAgent(t, Config{}, eng)

	if a.Registered() {
		t.Error("Registered() = true before any registration event")
	}
	eng.push(engine.Event{Type: engine.EventRegistration, Registered: true, Code: 200})
	waitFor(t, "registered", a.Registered)

	eng.push(engine.Event{Type: engine.EventRegistration, Registered: false, Code: 503})
	waitFor(t, "registration lost", func() bool { return !a.Registered() })
}
