// Package capture bridges call recordings into in-memory audio
// buffers. A Tap polls a recording file for appended bytes and pushes
// each newly appended region onto the call's audio ring, so callers
// can read live audio without touching the media stack.
package capture

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/buffer"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/media"
)

// MinPollInterval is the minimum spacing between file reads. Polls
// inside the window are no-ops.
const MinPollInterval = 20 * time.Millisecond

// Tap tails a growing WAV recording and feeds appended audio into a
// ring buffer. It is driven from the worker loop, one Poll per
// iteration, and is not safe for concurrent use.
type Tap struct {
	path     string
	ring     *buffer.Ring[[]byte]
	pos      int64
	lastRead time.Time

	now func() time.Time
}

// NewTap creates a tap over the recording at path, pushing captured
// chunks onto ring.
func NewTap(path string, ring *buffer.Ring[[]byte]) *Tap {
	return &Tap{
		path: path,
		ring: ring,
		now:  time.Now,
	}
}

// Path returns the recording file the tap follows.
func (t *Tap) Path() string {
	return t.path
}

// Poll reads any bytes appended to the recording since the last poll
// and pushes them onto the ring as a single chunk. The first read
// skips the WAV header so only audio data is captured. A recording
// file that does not exist yet is not an error; the tap just tries
// again next time.
func (t *Tap) Poll() (int, error) {
	now := t.now()
	if now.Sub(t.lastRead) < MinPollInterval {
		return 0, nil
	}
	// Advance the gate before reading so a failing file still gets the
	// full interval between attempts.
	t.lastRead = now

	info, err := os.Stat(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to stat recording: %w", err)
	}

	size := info.Size()
	if size <= t.pos {
		return 0, nil
	}
	if t.pos == 0 {
		t.pos = media.WAVHeaderSize
		if size <= t.pos {
			return 0, nil
		}
	}

	file, err := os.Open(t.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open recording: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(t.pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek recording: %w", err)
	}

	chunk := make([]byte, size-t.pos)
	n, err := io.ReadFull(file, chunk)
	if n > 0 {
		t.ring.Push(chunk[:n])
		t.pos += int64(n)
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("failed to read recording: %w", err)
	}
	return n, nil
}
