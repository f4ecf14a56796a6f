package media

import "time"

// Codec describes an audio codec and its framing parameters.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU")
	PayloadType uint8         // RTP payload type (0 for PCMU)
	SampleRate  uint32        // Sample rate in Hz
	FrameDur    time.Duration // Duration per frame (typically 20ms)
	Channels    int           // Number of channels
}

// CodecPCMU is G.711 µ-law, the only codec the agent negotiates.
var CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.FrameDur) / int(time.Second)
}

// BytesPerFrame returns the encoded payload bytes per frame. G.711
// encodes one byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// PCMBytesPerFrame returns the 16-bit PCM bytes that decode from one
// frame.
func (c Codec) PCMBytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels * 2
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}
