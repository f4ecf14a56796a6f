package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/buffer"
)

// Direction indicates whether we placed or received the call
type Direction int

const (
	// DirectionInbound - the remote party called us
	DirectionInbound Direction = iota
	// DirectionOutbound - we placed the call
	DirectionOutbound
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// AudioRingCapacity is how many received audio chunks a call retains
// before the oldest are dropped.
const AudioRingCapacity = 100

// Call tracks one call's lifecycle and its received-audio buffer.
//
// The identification fields are set at creation and never change.
// State is guarded by mu; the audio ring is safe for concurrent use
// on its own, so pushing audio never contends with state changes.
type Call struct {
	// Identification
	ID        string
	RemoteURI string
	Direction Direction
	StartedAt time.Time

	// Audio holds decoded audio chunks received on this call, oldest
	// dropped once AudioRingCapacity is exceeded.
	Audio *buffer.Ring[[]byte]

	mu         sync.RWMutex
	state      State
	mediaReady bool
	endReason  EndReason
	endedAt    time.Time
}

// New creates a call in StatePending.
func New(id, remoteURI string, dir Direction) *Call {
	return &Call{
		ID:        id,
		RemoteURI: remoteURI,
		Direction: dir,
		StartedAt: time.Now(),
		Audio:     buffer.NewRing[[]byte](AudioRingCapacity),
		state:     StatePending,
	}
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Active reports whether the call is confirmed and connected.
func (c *Call) Active() bool {
	return c.State() == StateActive
}

// TransitionTo moves the call to the next state, enforcing the
// lifecycle state machine.
func (c *Call) TransitionTo(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransitionTo(next) {
		return fmt.Errorf("call %s: invalid transition %s -> %s", c.ID, c.state, next)
	}
	c.state = next
	if next == StateEnded {
		c.endedAt = time.Now()
	}
	return nil
}

// End moves the call to StateEnded and records why. It returns false
// if the call had already ended, so disconnect handling stays
// idempotent; the first reason recorded wins.
func (c *Call) End(reason EndReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return false
	}
	c.state = StateEnded
	c.endReason = reason
	c.endedAt = time.Now()
	return true
}

// EndReason returns why the call ended. Only meaningful once the call
// is in StateEnded.
func (c *Call) EndReason() EndReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endReason
}

// SetMediaReady records whether the call's media stream is flowing.
func (c *Call) SetMediaReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaReady = ready
}

// MediaReady reports whether the call's media stream is flowing.
func (c *Call) MediaReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mediaReady
}

// Duration returns how long the call has been up, or its final
// duration once ended.
func (c *Call) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateEnded {
		return c.endedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}
