// Package app wires the pieces into the agent facade: one worker
// goroutine owns the engine and drives signaling events, queued
// commands, playback and capture; orchestrator goroutines reach the
// engine only through the command bridge and otherwise touch
// session-owned state.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/bridge"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/call"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/capture"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/engine"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/media"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/player"
)

var (
	// ErrNoCall is returned for operations on unknown or already ended
	// calls.
	ErrNoCall = errors.New("no such call")
	// ErrNoMedia is returned when no audio arrived within the receive
	// window.
	ErrNoMedia = errors.New("no audio available")
	// ErrDialTimeout is returned when an outbound call is not answered
	// within the dial timeout. The call has already been hung up.
	ErrDialTimeout = errors.New("dial timed out waiting for answer")
)

const (
	// pollInterval paces the worker loop; the engine poll blocks this
	// long when nothing is pending.
	pollInterval = 50 * time.Millisecond

	// maxCommandsPerIteration bounds bridge work per loop pass so
	// playback and capture polls stay on cadence.
	maxCommandsPerIteration = 10

	// dialPollInterval is how often Dial re-checks the call state while
	// waiting for an answer.
	dialPollInterval = 500 * time.Millisecond

	// startTimeout bounds how long Start waits for the engine to come
	// up.
	startTimeout = 10 * time.Second

	// defaultRegisterWait is how long Start lingers for the first
	// registration before continuing unregistered.
	defaultRegisterWait = 2 * time.Second
)

// Config carries the facade-level settings.
type Config struct {
	// SampleRate is the PCM rate at the public audio boundary. SendAudio
	// stages bytes at this rate; captured audio is delivered at the
	// engine's native rate.
	SampleRate int

	// DialTimeout is how long Dial waits for the remote side to answer.
	DialTimeout time.Duration

	// CommandTimeout bounds bridge submissions. Zero selects the bridge
	// default.
	CommandTimeout time.Duration

	// TempDir is where playback staging files are written.
	TempDir string

	// DirectCapture selects the engine's frame-push path when the engine
	// supports it; otherwise capture falls back to recording plus file
	// polling.
	DirectCapture bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

// Agent is the telephony facade. Start spins up the worker loop; Dial,
// Hangup, SendAudio and ReceiveAudio are safe from any goroutine.
type Agent struct {
	cfg    Config
	eng    engine.Engine
	calls  *call.Registry
	bridge *bridge.Bridge[engine.Token]

	mu       sync.Mutex
	players  map[string]*player.Player
	incoming func(*call.Call)

	// taps is only touched by the worker loop.
	taps map[string]*capture.Tap

	registered   atomic.Bool
	running      atomic.Bool
	stop         chan struct{}
	loopDone     chan struct{}
	registerWait time.Duration
}

// New creates an agent around the given engine. Start must be called
// before use.
func New(cfg Config, eng engine.Engine) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:          cfg,
		eng:          eng,
		calls:        call.NewRegistry(),
		bridge:       bridge.New[engine.Token](cfg.CommandTimeout),
		players:      make(map[string]*player.Player),
		taps:         make(map[string]*capture.Tap),
		stop:         make(chan struct{}),
		registerWait: defaultRegisterWait,
	}
}

// Start launches the worker loop and waits for the engine to come up.
// If a registrar is configured it also gives the first registration a
// moment to land, then proceeds either way.
func (a *Agent) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already running")
	}
	slog.Info("[Agent] Starting")

	ready := make(chan error, 1)
	a.loopDone = make(chan struct{})
	go func() {
		defer close(a.loopDone)
		signaled := false
		err := engine.Run(a.eng, func(tok engine.Token) bool {
			if !signaled {
				signaled = true
				ready <- nil
			}
			return a.iterate(tok)
		})
		if err != nil {
			select {
			case ready <- err:
			default:
			}
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			a.running.Store(false)
			return fmt.Errorf("engine start failed: %w", err)
		}
	case <-time.After(startTimeout):
		a.running.Store(false)
		close(a.stop)
		return fmt.Errorf("engine start timed out after %s", startTimeout)
	case <-ctx.Done():
		a.running.Store(false)
		close(a.stop)
		return ctx.Err()
	}

	regDeadline := time.Now().Add(a.registerWait)
	for !a.registered.Load() && time.Now().Before(regDeadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if !a.registered.Load() {
		slog.Warn("[Agent] Not registered yet, continuing anyway")
	}

	slog.Info("[Agent] Started")
	return nil
}

// Stop shuts the agent down: players first so nothing new starts,
// then hangups for live calls through the bridge, then the worker
// loop and the engine.
func (a *Agent) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	slog.Info("[Agent] Stopping")

	a.mu.Lock()
	players := make([]*player.Player, 0, len(a.players))
	for _, p := range a.players {
		players = append(players, p)
	}
	a.mu.Unlock()
	for _, p := range players {
		p.StopAll()
	}

	for _, c := range a.calls.List() {
		c.End(call.ReasonShutdown)
		id := c.ID
		hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := a.bridge.Submit(hctx, "hangup", func(tok engine.Token) (any, error) {
			return nil, a.eng.Hangup(tok, id)
		}); err != nil {
			slog.Debug("[Agent] Shutdown hangup failed", "call_id", id, "error", err)
		}
		cancel()
	}

	// Let the loop settle the resulting disconnects before it exits.
	deadline := time.Now().Add(2 * time.Second)
	for a.calls.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	close(a.stop)
	<-a.loopDone
	a.bridge.Close()
	slog.Info("[Agent] Stopped")
}

// Dial places an outbound call and waits for the remote side to
// answer. On timeout the call is hung up and ErrDialTimeout returned.
func (a *Agent) Dial(ctx context.Context, uri string) (*call.Call, error) {
	res, err := a.bridge.Submit(ctx, "dial", func(tok engine.Token) (any, error) {
		id, err := a.eng.Dial(tok, uri)
		if err != nil {
			return nil, err
		}
		c := call.New(id, uri, call.DirectionOutbound)
		if err := a.calls.Add(c); err != nil {
			_ = a.eng.Hangup(tok, id)
			return nil, err
		}
		a.addPlayer(id)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}
	c := res.(*call.Call)

	deadline := time.Now().Add(a.cfg.DialTimeout)
	for {
		if c.Active() {
			return c, nil
		}
		if c.State() == call.StateEnded {
			return nil, fmt.Errorf("dial %s failed: %s", uri, c.EndReason().String())
		}
		if time.Now().After(deadline) {
			c.End(call.ReasonDialTimeout)
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.Hangup(hctx, c.ID)
			cancel()
			return nil, fmt.Errorf("dial %s: %w", uri, ErrDialTimeout)
		}
		select {
		case <-ctx.Done():
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.Hangup(hctx, c.ID)
			cancel()
			return nil, ctx.Err()
		case <-time.After(dialPollInterval):
		}
	}
}

// Hangup ends a call. The session is removed when the engine reports
// the disconnect.
func (a *Agent) Hangup(ctx context.Context, callID string) error {
	c, ok := a.calls.Get(callID)
	if !ok {
		return fmt.Errorf("hangup %s: %w", callID, ErrNoCall)
	}
	c.End(call.ReasonLocalHangup)

	if _, err := a.bridge.Submit(ctx, "hangup", func(tok engine.Token) (any, error) {
		return nil, a.eng.Hangup(tok, callID)
	}); err != nil {
		return fmt.Errorf("hangup %s: %w", callID, err)
	}
	return nil
}

// SendAudio stages raw mono 16-bit PCM as a playback item on the
// call's queue. The staged file belongs to the player from here on.
func (a *Agent) SendAudio(callID string, pcm []byte) error {
	if _, ok := a.calls.Get(callID); !ok {
		return fmt.Errorf("send audio %s: %w", callID, ErrNoCall)
	}
	a.mu.Lock()
	p := a.players[callID]
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("send audio %s: %w", callID, ErrNoCall)
	}

	path := filepath.Join(a.cfg.TempDir, fmt.Sprintf("play-%s.wav", uuid.New().String()[:8]))
	if err := media.WriteWAVFile(path, pcm, uint32(a.cfg.SampleRate), 1, 16); err != nil {
		return fmt.Errorf("send audio %s: %w", callID, err)
	}
	if err := p.Enqueue(path); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("send audio %s: %w", callID, err)
	}
	return nil
}

// ReceiveAudio collects captured audio from the call's ring buffer.
// It first drains eagerly, yielding between pops; if nothing was
// buffered it waits out the timeout once and drains again. ErrNoMedia
// means the window passed with no audio.
func (a *Agent) ReceiveAudio(ctx context.Context, callID string, timeout time.Duration) ([]byte, error) {
	c, ok := a.calls.Get(callID)
	if !ok {
		return nil, fmt.Errorf("receive %s: %w", callID, ErrNoCall)
	}

	var chunks [][]byte
	drain := func() {
		for {
			chunk, ok := c.Audio.TryPop()
			if !ok {
				return
			}
			chunks = append(chunks, chunk)
			time.Sleep(time.Millisecond)
		}
	}

	drain()
	if len(chunks) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		drain()
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("receive %s: %w", callID, ErrNoMedia)
	}
	return bytes.Join(chunks, nil), nil
}

// Player returns the call's playback queue handle.
func (a *Agent) Player(callID string) (*player.Player, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.players[callID]
	return p, ok
}

// Registered reports the last registrar state the engine announced.
func (a *Agent) Registered() bool {
	return a.registered.Load()
}

// OnIncomingCall installs the callback invoked (on its own goroutine)
// after an inbound call has been answered.
func (a *Agent) OnIncomingCall(fn func(*call.Call)) {
	a.mu.Lock()
	a.incoming = fn
	a.mu.Unlock()
}

// iterate is one worker loop pass: engine events, queued commands,
// playback, capture.
func (a *Agent) iterate(tok engine.Token) bool {
	select {
	case <-a.stop:
		return false
	default:
	}

	for _, ev := range a.eng.Poll(tok, pollInterval) {
		a.handleEvent(tok, ev)
	}
	a.bridge.Drain(tok, maxCommandsPerIteration)
	a.pollPlayers(tok)
	a.pollTaps()
	return true
}

func (a *Agent) handleEvent(tok engine.Token, ev engine.Event) {
	switch ev.Type {
	case engine.EventRegistration:
		a.registered.Store(ev.Registered)
		if ev.Registered {
			slog.Info("[Agent] Registered", "code", ev.Code)
		} else {
			slog.Warn("[Agent] Registration failed", "code", ev.Code)
		}

	case engine.EventIncomingCall:
		a.handleIncoming(tok, ev)

	case engine.EventCallState:
		switch ev.Signal {
		case engine.SignalConfirmed:
			c, ok := a.calls.Get(ev.CallID)
			if !ok {
				return
			}
			if err := c.TransitionTo(call.StateActive); err != nil {
				slog.Debug("[Agent] Ignoring confirm", "call_id", ev.CallID, "error", err)
				return
			}
			slog.Info("[Agent] Call active", "call_id", ev.CallID)
		case engine.SignalDisconnected:
			a.endCall(tok, ev.CallID, call.ReasonRemoteHangup)
		default:
			slog.Debug("[Agent] Call progress", "call_id", ev.CallID, "signal", ev.Signal.String())
		}

	case engine.EventMediaState:
		c, ok := a.calls.Get(ev.CallID)
		if !ok {
			return
		}
		c.SetMediaReady(ev.MediaReady)
		if ev.MediaReady {
			a.setupCapture(tok, ev.CallID, c)
		}
	}
}

// handleIncoming answers the call and hands the session to the
// orchestrator callback.
func (a *Agent) handleIncoming(tok engine.Token, ev engine.Event) {
	c := call.New(ev.CallID, ev.RemoteURI, call.DirectionInbound)
	if err := a.calls.Add(c); err != nil {
		slog.Warn("[Agent] Dropping duplicate incoming call", "call_id", ev.CallID, "error", err)
		return
	}
	a.addPlayer(ev.CallID)
	slog.Info("[Agent] Incoming call", "call_id", ev.CallID, "from", ev.RemoteURI)

	if err := a.eng.Answer(tok, ev.CallID); err != nil {
		slog.Error("[Agent] Failed to answer", "call_id", ev.CallID, "error", err)
		a.endCall(tok, ev.CallID, call.ReasonError)
		return
	}

	a.mu.Lock()
	fn := a.incoming
	a.mu.Unlock()
	if fn != nil {
		go fn(c)
	}
}

// setupCapture routes the call's inbound audio into its ring: the
// engine's frame-push path when enabled and available, otherwise a
// recording plus a file tap.
func (a *Agent) setupCapture(tok engine.Token, id string, c *call.Call) {
	if _, exists := a.taps[id]; exists {
		return
	}
	if a.cfg.DirectCapture {
		if fc, ok := a.eng.(engine.FrameCapture); ok {
			ring := c.Audio
			err := fc.StartFrameCapture(tok, id, func(frame []byte) { ring.Push(frame) })
			if err == nil {
				slog.Debug("[Agent] Direct capture active", "call_id", id)
				return
			}
			slog.Warn("[Agent] Direct capture failed, falling back to recording", "call_id", id, "error", err)
		}
	}

	path, err := a.eng.StartRecording(tok, id)
	if err != nil {
		slog.Warn("[Agent] Failed to start capture recording", "call_id", id, "error", err)
		return
	}
	a.taps[id] = capture.NewTap(path, c.Audio)
	slog.Debug("[Agent] Capture tap attached", "call_id", id, "file", path)
}

// endCall settles a finished call. Exactly one caller wins the
// registry removal and runs cleanup; a repeated disconnect is a no-op.
func (a *Agent) endCall(tok engine.Token, id string, reason call.EndReason) {
	c, ok := a.calls.Remove(id)
	if !ok {
		return
	}
	c.End(reason)
	c.SetMediaReady(false)

	a.mu.Lock()
	p := a.players[id]
	delete(a.players, id)
	a.mu.Unlock()
	if p != nil {
		p.StopAll()
		// One stopped poll releases the current item and its file.
		p.Poll(tok, a.eng)
	}

	if a.cfg.DirectCapture {
		if fc, ok := a.eng.(engine.FrameCapture); ok {
			_ = fc.StopFrameCapture(tok, id)
		}
	}
	if tap, ok := a.taps[id]; ok {
		delete(a.taps, id)
		if err := a.eng.StopRecording(tok, id); err != nil {
			slog.Debug("[Agent] Recording already stopped", "call_id", id, "error", err)
		}
		if err := os.Remove(tap.Path()); err != nil && !os.IsNotExist(err) {
			slog.Debug("[Agent] Failed to remove recording", "file", tap.Path(), "error", err)
		}
	}
	c.Audio.Clear()

	slog.Info("[Agent] Call ended",
		"call_id", id,
		"reason", c.EndReason().String(),
		"duration", c.Duration().Round(time.Millisecond),
	)
}

// pollPlayers advances each live call's playback and retires players
// whose call is gone.
func (a *Agent) pollPlayers(tok engine.Token) {
	a.mu.Lock()
	snapshot := make(map[string]*player.Player, len(a.players))
	for id, p := range a.players {
		snapshot[id] = p
	}
	a.mu.Unlock()

	for id, p := range snapshot {
		if _, live := a.calls.Get(id); !live {
			p.StopAll()
			p.Poll(tok, a.eng)
			a.mu.Lock()
			delete(a.players, id)
			a.mu.Unlock()
			continue
		}
		p.Poll(tok, a.eng)
	}
}

// pollTaps reads whatever each capture recording grew since the last
// pass. Read errors are transient by contract: log and retry next
// time.
func (a *Agent) pollTaps() {
	for id, tap := range a.taps {
		if _, live := a.calls.Get(id); !live {
			delete(a.taps, id)
			continue
		}
		if _, err := tap.Poll(); err != nil {
			slog.Debug("[Agent] Capture read failed, will retry", "call_id", id, "error", err)
		}
	}
}

func (a *Agent) addPlayer(id string) {
	a.mu.Lock()
	a.players[id] = player.New(id)
	a.mu.Unlock()
}
