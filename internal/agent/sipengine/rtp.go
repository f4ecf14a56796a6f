package sipengine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/media"
)

// randomSSRC returns a cryptographically random 32-bit SSRC per
// RFC 3550.
func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x6469730a
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomSeq() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func randomTimestamp() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// rtpSession is one call's audio transport: a UDP socket with a read
// loop that decodes inbound PCMU into PCM, and at most one paced
// transmit goroutine playing a file to the remote endpoint.
//
// Received audio goes to exactly one sink: the frame callback when
// set, otherwise the recorder when attached, otherwise it is dropped.
type rtpSession struct {
	callID    string
	conn      *net.UDPConn
	localPort int
	pool      *portPool
	ssrc      uint32

	mu       sync.Mutex
	remote   *net.UDPAddr
	recorder *media.Recorder
	onFrame  func([]byte)
	seq      uint16
	ts       uint32
	sendStop context.CancelFunc

	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}

	packetsIn  atomic.Int64
	packetsOut atomic.Int64
}

// newRTPSession allocates a port, binds the socket and starts the read
// loop.
func newRTPSession(callID string, pool *portPool) (*rtpSession, error) {
	port, err := pool.allocate()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		pool.release(port)
		return nil, fmt.Errorf("failed to bind RTP port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &rtpSession{
		callID:    callID,
		conn:      conn,
		localPort: port,
		pool:      pool,
		ssrc:      randomSSRC(),
		seq:       randomSeq(),
		ts:        randomTimestamp(),
		ctx:       ctx,
		cancel:    cancel,
		readDone:  make(chan struct{}),
	}
	go s.readLoop()

	slog.Debug("[RTP] Session opened", "call_id", callID, "local_port", port)
	return s, nil
}

// setRemote records where outbound audio is sent.
func (s *rtpSession) setRemote(addr string, port int) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid remote media address: %s", addr)
	}
	s.mu.Lock()
	s.remote = &net.UDPAddr{IP: ip, Port: port}
	s.mu.Unlock()
	slog.Debug("[RTP] Remote endpoint set", "call_id", s.callID, "remote", fmt.Sprintf("%s:%d", addr, port))
	return nil
}

func (s *rtpSession) setRecorder(rec *media.Recorder) {
	s.mu.Lock()
	s.recorder = rec
	s.mu.Unlock()
}

// takeRecorder detaches and returns the recorder, if any.
func (s *rtpSession) takeRecorder() *media.Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recorder
	s.recorder = nil
	return rec
}

func (s *rtpSession) recorderPath() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return "", false
	}
	return s.recorder.Path(), true
}

func (s *rtpSession) setOnFrame(fn func([]byte)) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

// readLoop receives RTP, decodes PCMU payloads and hands the PCM to
// the active sink.
func (s *rtpSession) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, 1500) // MTU-sized buffer

	for {
		n, srcAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[RTP] Read error", "call_id", s.callID, "error", err)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[RTP] Bad packet", "call_id", s.callID, "error", err)
			continue
		}
		if pkt.PayloadType != media.CodecPCMU.PayloadType {
			continue
		}

		if s.packetsIn.Add(1) == 1 {
			slog.Info("[RTP] First packet received",
				"call_id", s.callID,
				"from", srcAddr.String(),
				"ssrc", pkt.SSRC,
			)
		}

		pcm := media.PCMUToPCM(pkt.Payload)

		s.mu.Lock()
		fn := s.onFrame
		rec := s.recorder
		s.mu.Unlock()

		if fn != nil {
			fn(pcm)
		} else if rec != nil {
			if err := rec.Write(pcm); err != nil {
				slog.Debug("[RTP] Recorder write failed", "call_id", s.callID, "error", err)
			}
		}
	}
}

// startTransmit loads the WAV file, converts it to PCMU and starts
// streaming it to the remote endpoint. Any transmit already in
// progress is replaced.
func (s *rtpSession) startTransmit(path string) error {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return fmt.Errorf("no remote media endpoint for call %s", s.callID)
	}

	audioFile, err := media.ReadWAVFile(path)
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}
	pcm, err := media.ResampleAudio(audioFile)
	if err != nil {
		return fmt.Errorf("failed to prepare audio: %w", err)
	}
	encoded := media.PCMToPCMU(pcm)

	s.stopTransmit()

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.sendStop = cancel
	s.mu.Unlock()

	go s.sendLoop(ctx, remote, encoded)
	return nil
}

// stopTransmit cancels the in-progress transmit, if any.
func (s *rtpSession) stopTransmit() {
	s.mu.Lock()
	stop := s.sendStop
	s.sendStop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// sendLoop streams encoded PCMU frames at the codec's real-time rate.
func (s *rtpSession) sendLoop(ctx context.Context, dest *net.UDPAddr, encoded []byte) {
	codec := media.CodecPCMU
	frameBytes := codec.BytesPerFrame()

	s.mu.Lock()
	seq, ts := s.seq, s.ts
	s.mu.Unlock()

	ticker := time.NewTicker(codec.FrameDur)
	defer ticker.Stop()

	framesSent := 0
	for off := 0; off+frameBytes <= len(encoded); off += frameBytes {
		select {
		case <-ctx.Done():
			s.storeStreamState(seq, ts)
			slog.Debug("[RTP] Transmit cancelled", "call_id", s.callID, "frames_sent", framesSent)
			return
		case <-ticker.C:
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    codec.PayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: encoded[off : off+frameBytes],
		}
		data, err := pkt.Marshal()
		if err != nil {
			slog.Error("[RTP] Failed to marshal packet", "call_id", s.callID, "error", err)
			break
		}
		if _, err := s.conn.WriteToUDP(data, dest); err != nil {
			slog.Debug("[RTP] Write error", "call_id", s.callID, "error", err)
		}

		seq++
		ts += codec.TimestampIncrement()
		framesSent++
		s.packetsOut.Add(1)
	}

	s.storeStreamState(seq, ts)
	slog.Debug("[RTP] Transmit finished", "call_id", s.callID, "frames_sent", framesSent)
}

// storeStreamState persists sequence and timestamp so consecutive
// files continue the same RTP stream.
func (s *rtpSession) storeStreamState(seq uint16, ts uint32) {
	s.mu.Lock()
	s.seq, s.ts = seq, ts
	s.mu.Unlock()
}

// close stops all session goroutines, finalizes the recorder and
// returns the port to the pool.
func (s *rtpSession) close() {
	s.cancel()
	s.conn.Close()
	<-s.readDone

	if rec := s.takeRecorder(); rec != nil {
		if err := rec.Close(); err != nil {
			slog.Debug("[RTP] Recorder close failed", "call_id", s.callID, "error", err)
		}
	}
	s.pool.release(s.localPort)

	slog.Debug("[RTP] Session closed",
		"call_id", s.callID,
		"packets_in", s.packetsIn.Load(),
		"packets_out", s.packetsOut.Load(),
	)
}
