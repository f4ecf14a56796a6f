// Package player sequences queued audio files onto a call. Files are
// played strictly in order; playback completion is judged by wall
// clock against each file's duration rather than by media callbacks,
// which keeps the poll path free of blocking engine queries.
package player

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/engine"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/media"
)

const (
	// CompletionSlack pads each file's duration before the player
	// declares it finished.
	CompletionSlack = 50 * time.Millisecond

	// FallbackDuration is assumed for files whose duration cannot be
	// read. The file is still played.
	FallbackDuration = 500 * time.Millisecond
)

// ErrStopped is returned when audio is enqueued on a player that has
// been stopped.
var ErrStopped = errors.New("player stopped")

// Transmitter is the slice of the engine the player drives. Both
// calls require the worker token, so playback state only changes from
// the worker loop.
type Transmitter interface {
	StartTransmit(tok engine.Token, callID string, path string) error
	StopTransmit(tok engine.Token, callID string) error
}

// Item is one queued file with its playback duration.
type Item struct {
	Path     string
	Duration time.Duration
}

// Player owns a per-call playback queue. Enqueue and StopAll are safe
// from any goroutine; Poll must only run on the worker loop, which
// the token requirement enforces.
//
// The player owns the files it is given and deletes each one after it
// has been played or discarded.
type Player struct {
	callID string

	mu       sync.Mutex
	queue    []Item
	playing  bool
	current  *Item
	deadline time.Time
	stopped  bool

	now func() time.Time
}

// New creates a player for the given call.
func New(callID string) *Player {
	return &Player{
		callID: callID,
		now:    time.Now,
	}
}

// Enqueue adds a file to the playback queue. Playback starts on the
// next worker poll. The file's duration is read from its WAV header;
// if that fails the file is queued anyway with FallbackDuration.
func (p *Player) Enqueue(path string) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	duration := FallbackDuration
	if d, err := media.FileDuration(path); err != nil {
		slog.Warn("[Player] Could not read WAV duration", "call_id", p.callID, "file", path, "error", err)
	} else {
		duration = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.queue = append(p.queue, Item{Path: path, Duration: duration})
	slog.Debug("[Player] Enqueued", "call_id", p.callID, "file", path, "duration", duration)
	return nil
}

// StopAll stops the player permanently. Queued files are deleted
// immediately; the in-progress transmit is torn down on the next
// worker poll.
func (p *Player) StopAll() {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	p.playing = false
	p.stopped = true
	p.mu.Unlock()

	for _, item := range pending {
		removeFile(item.Path)
	}
	if len(pending) > 0 {
		slog.Debug("[Player] Cleared queue", "call_id", p.callID, "dropped", len(pending))
	}
}

// Poll advances playback: it tears down a stopped or finished
// transmit, deletes played files, and starts the next queued file.
func (p *Player) Poll(tok engine.Token, tx Transmitter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		if p.current != nil {
			p.stopCurrent(tok, tx)
		}
		return
	}

	// Check if the current file finished
	if p.playing && p.current != nil && !p.now().Before(p.deadline) {
		p.stopCurrent(tok, tx)
		p.playing = false
	}

	// Start the next file if idle
	if !p.playing && len(p.queue) > 0 {
		item := p.queue[0]
		p.queue = p.queue[1:]
		if err := tx.StartTransmit(tok, p.callID, item.Path); err != nil {
			slog.Warn("[Player] Playback failed", "call_id", p.callID, "file", item.Path, "error", err)
			removeFile(item.Path)
			return
		}
		p.current = &item
		p.deadline = p.now().Add(item.Duration + CompletionSlack)
		p.playing = true
		slog.Debug("[Player] Playing", "call_id", p.callID, "file", item.Path, "duration", item.Duration)
	}
}

// stopCurrent stops the active transmit and deletes its file. Caller
// holds p.mu.
func (p *Player) stopCurrent(tok engine.Token, tx Transmitter) {
	if err := tx.StopTransmit(tok, p.callID); err != nil {
		slog.Debug("[Player] Stop transmit failed", "call_id", p.callID, "error", err)
	}
	removeFile(p.current.Path)
	p.current = nil
}

// Playing reports whether a file is currently being transmitted.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// QueueLen returns the number of files waiting to be played.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stopped reports whether StopAll has been called.
func (p *Player) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Debug("[Player] Could not remove file", "file", path, "error", err)
	}
}
