// Package engine defines the boundary to the call-control/media engine.
// The engine owns signaling and audio transport; everything above it talks
// in terms of opaque call IDs, imperative operations, and polled events.
package engine

import "time"

// Token marks code running inside the engine service loop. Run mints the
// only non-nil Token and hands it to the iteration callback; because no
// other package can construct or implement one, engine-mutating operations
// are unreachable from any other goroutine.
type Token interface {
	serviceToken()
}

type loopToken struct{}

func (loopToken) serviceToken() {}

// Engine is the imperative surface of the call-control/media engine.
// Every method must be called with the Token of the running service loop.
// Dial, Answer and Hangup are requests: confirmation and teardown arrive
// later as events from Poll.
type Engine interface {
	// Start initializes the engine (transport, registration). It is called
	// once, before the first Poll.
	Start(tok Token) error

	// Stop releases engine resources. Called once, after the final Poll.
	Stop(tok Token)

	// Poll pumps the engine for up to wait and returns any pending events.
	// A nil slice means the wait elapsed with nothing to report.
	Poll(tok Token, wait time.Duration) []Event

	// Dial starts an outbound call and returns its call ID immediately.
	// Progress (ringing, confirmed, disconnected) arrives as events.
	Dial(tok Token, uri string) (string, error)

	// Answer requests that a pending inbound call be accepted.
	Answer(tok Token, callID string) error

	// Hangup tears a call down. Safe on calls in any state.
	Hangup(tok Token, callID string) error

	// StartRecording begins capturing the call's inbound audio into a
	// growing WAV container and returns its path.
	StartRecording(tok Token, callID string) (string, error)

	// StopRecording finalizes the call's recording container.
	StopRecording(tok Token, callID string) error

	// StartTransmit begins playing the WAV file at path into the call.
	StartTransmit(tok Token, callID, path string) error

	// StopTransmit cancels in-progress playback on the call, if any.
	StopTransmit(tok Token, callID string) error
}

// FrameCapture is the optional direct capture path. Engines that can push
// decoded audio frames as they arrive implement it; callers type-assert and
// fall back to StartRecording plus file polling when the assertion fails.
// The frame callback may run on an engine-internal goroutine, so it must
// only touch concurrency-safe state.
type FrameCapture interface {
	StartFrameCapture(tok Token, callID string, fn func(frame []byte)) error
	StopFrameCapture(tok Token, callID string) error
}

// Run drives e on the calling goroutine: Start, then iterate until it
// returns false, then Stop. The Token passed to iterate must not be stored
// or shared; it is only valid inside the loop.
func Run(e Engine, iterate func(tok Token) bool) error {
	tok := loopToken{}
	if err := e.Start(tok); err != nil {
		return err
	}
	for iterate(tok) {
	}
	e.Stop(tok)
	return nil
}
