package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Recorder writes a growing PCM WAV file one chunk at a time. The
// header is written up front with zero sizes and patched on Close, so
// a reader polling the file mid-recording sees a parseable header
// followed by whatever audio has arrived so far.
type Recorder struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	sampleRate uint32
	channels   uint16
	bits       uint16
	dataBytes  uint32
	closed     bool
}

// NewRecorder creates the file and writes the placeholder header.
func NewRecorder(path string, sampleRate uint32, channels, bitsPerSample uint16) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	hdr := newWAVHeader(sampleRate, channels, bitsPerSample, 0)
	if err := binary.Write(file, binary.LittleEndian, hdr); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write recording header: %w", err)
	}

	return &Recorder{
		file:       file,
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
		bits:       bitsPerSample,
	}, nil
}

// Path returns the file the recorder writes to.
func (r *Recorder) Path() string {
	return r.path
}

// Write appends PCM data to the recording.
func (r *Recorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}
	n, err := r.file.Write(pcm)
	r.dataBytes += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to append to recording: %w", err)
	}
	return nil
}

// Close patches the header sizes and closes the file. Safe to call
// more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to rewind recording: %w", err)
	}
	hdr := newWAVHeader(r.sampleRate, r.channels, r.bits, r.dataBytes)
	if err := binary.Write(r.file, binary.LittleEndian, hdr); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to finalize recording header: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close recording: %w", err)
	}
	return nil
}
