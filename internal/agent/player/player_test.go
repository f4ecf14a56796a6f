package player

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/engine"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/media"
)

type stubEngine struct{ engine.Engine }

func (stubEngine) Start(engine.Token) error { return nil }
func (stubEngine) Stop(engine.Token)        {}

// testToken runs a single no-op engine iteration to obtain a worker
// token for driving Poll directly.
func testToken(t *testing.T) engine.Token {
	t.Helper()
	var tok engine.Token
	if err := engine.Run(stubEngine{}, func(tk engine.Token) bool {
		tok = tk
		return false
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return tok
}

type fakeTransmitter struct {
	starts   []string
	stops    int
	startErr error
}

func (f *fakeTransmitter) StartTransmit(_ engine.Token, _ string, path string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, path)
	return nil
}

func (f *fakeTransmitter) StopTransmit(engine.Token, string) error {
	f.stops++
	return nil
}

func writeWAV(t *testing.T, dir, name string, d time.Duration) string {
	t.Helper()
	// 8kHz mono 16-bit PCM is 16000 bytes per second.
	pcm := make([]byte, int(d.Seconds()*16000))
	path := filepath.Join(dir, name)
	if err := media.WriteWAVFile(path, pcm, 8000, 1, 16); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}
	return path
}

func newTestPlayer(t *testing.T) (*Player, func(time.Duration)) {
	t.Helper()
	p := New("call-1")
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }
	return p, func(d time.Duration) { now = now.Add(d) }
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPlaysQueueInOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeWAV(t, dir, "a.wav", time.Second)
	b := writeWAV(t, dir, "b.wav", 500*time.Millisecond)
	c := writeWAV(t, dir, "c.wav", 2*time.Second)

	p, advance := newTestPlayer(t)
	tok := testToken(t)
	tx := &fakeTransmitter{}

	for _, path := range []string{a, b, c} {
		if err := p.Enqueue(path); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", path, err)
		}
	}
	if got := p.QueueLen(); got != 3 {
		t.Fatalf("QueueLen() = %d, want 3", got)
	}

	p.Poll(tok, tx)
	if !p.Playing() {
		t.Fatal("Playing() = false after first poll, want true")
	}

	// First file runs to completion; the next starts in the same poll.
	advance(time.Second + CompletionSlack + 10*time.Millisecond)
	p.Poll(tok, tx)
	if exists(a) {
		t.Error("finished file still on disk")
	}
	if !p.Playing() {
		t.Error("Playing() = false, want next file started in same poll")
	}

	advance(500*time.Millisecond + CompletionSlack + 10*time.Millisecond)
	p.Poll(tok, tx)

	advance(2*time.Second + CompletionSlack + 10*time.Millisecond)
	p.Poll(tok, tx)
	if p.Playing() {
		t.Error("Playing() = true after all files finished, want false")
	}

	want := []string{a, b, c}
	if len(tx.starts) != len(want) {
		t.Fatalf("started %d files, want %d", len(tx.starts), len(want))
	}
	for i, path := range want {
		if tx.starts[i] != path {
			t.Errorf("start order[%d] = %s, want %s", i, tx.starts[i], path)
		}
		if exists(path) {
			t.Errorf("played file %s still on disk", path)
		}
	}
}

func TestCompletionWaitsForSlack(t *testing.T) {
	dir := t.TempDir()
	a := writeWAV(t, dir, "a.wav", time.Second)

	p, advance := newTestPlayer(t)
	tok := testToken(t)
	tx := &fakeTransmitter{}

	if err := p.Enqueue(a); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	p.Poll(tok, tx)

	// At exactly the nominal duration the file is still playing.
	advance(time.Second)
	p.Poll(tok, tx)
	if !p.Playing() {
		t.Error("Playing() = false at nominal duration, want true until slack elapses")
	}

	advance(CompletionSlack)
	p.Poll(tok, tx)
	if p.Playing() {
		t.Error("Playing() = true after slack elapsed, want false")
	}
}

func TestStopAllClearsQueueAndCurrent(t *testing.T) {
	dir := t.TempDir()
	a := writeWAV(t, dir, "a.wav", time.Second)
	b := writeWAV(t, dir, "b.wav", time.Second)

	p, _ := newTestPlayer(t)
	tok := testToken(t)
	tx := &fakeTransmitter{}

	if err := p.Enqueue(a); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := p.Enqueue(b); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	p.Poll(tok, tx) // a playing

	p.StopAll()
	if exists(b) {
		t.Error("queued file still on disk after StopAll")
	}
	if p.Playing() {
		t.Error("Playing() = true after StopAll, want false")
	}
	if tx.stops != 0 {
		t.Error("StopAll touched the engine directly, want teardown on next poll")
	}

	p.Poll(tok, tx)
	if tx.stops != 1 {
		t.Errorf("stops = %d after poll, want 1", tx.stops)
	}
	if exists(a) {
		t.Error("in-progress file still on disk after stopped poll")
	}

	if err := p.Enqueue(a); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue() after StopAll error = %v, want ErrStopped", err)
	}
}

func TestStartFailureDropsFile(t *testing.T) {
	dir := t.TempDir()
	a := writeWAV(t, dir, "a.wav", time.Second)

	p, _ := newTestPlayer(t)
	tok := testToken(t)
	tx := &fakeTransmitter{startErr: errors.New("no audio media")}

	if err := p.Enqueue(a); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	p.Poll(tok, tx)

	if p.Playing() {
		t.Error("Playing() = true after failed start, want false")
	}
	if exists(a) {
		t.Error("undeliverable file still on disk")
	}
	if got := p.QueueLen(); got != 0 {
		t.Errorf("QueueLen() = %d, want 0", got)
	}
}

func TestUnreadableFileGetsFallbackDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p, advance := newTestPlayer(t)
	tok := testToken(t)
	tx := &fakeTransmitter{}

	if err := p.Enqueue(path); err != nil {
		t.Fatalf("Enqueue() error = %v, want fallback duration instead", err)
	}
	p.Poll(tok, tx)
	if !p.Playing() {
		t.Fatal("Playing() = false, want unreadable file played with fallback duration")
	}

	advance(FallbackDuration + CompletionSlack + 10*time.Millisecond)
	p.Poll(tok, tx)
	if p.Playing() {
		t.Error("Playing() = true past fallback duration, want false")
	}
}
