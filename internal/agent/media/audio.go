package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/zaf/g711"
)

// WAVHeaderSize is the size of a canonical PCM WAV header: RIFF
// descriptor, fmt chunk and data chunk header.
const WAVHeaderSize = 44

// wavHeader is the canonical 44-byte PCM WAV header layout used when
// writing files. Reading walks chunks instead, so files with extra
// chunks (LIST, fact) still parse.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

func newWAVHeader(sampleRate uint32, channels, bitsPerSample uint16, dataLen uint32) wavHeader {
	blockAlign := channels * bitsPerSample / 8
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataLen,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataLen,
	}
}

// AudioFile represents parsed audio file metadata and data
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// Duration returns the playback duration of the audio data.
func (a *AudioFile) Duration() time.Duration {
	byteRate := int(a.SampleRate) * int(a.NumChannels) * int(a.BitsPerSample) / 8
	if byteRate == 0 {
		return 0
	}
	return time.Duration(len(a.PCMData)) * time.Second / time.Duration(byteRate)
}

// ReadWAVFile parses a WAV file and returns metadata + PCM audio data
func ReadWAVFile(filePath string) (*AudioFile, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var riffID [4]byte
	if _, err := io.ReadFull(file, riffID[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riffID[:]) != "RIFF" {
		return nil, fmt.Errorf("not a valid RIFF file")
	}

	var riffSize uint32
	if err := binary.Read(file, binary.LittleEndian, &riffSize); err != nil {
		return nil, fmt.Errorf("failed to read RIFF size: %w", err)
	}

	var waveID [4]byte
	if _, err := io.ReadFull(file, waveID[:]); err != nil {
		return nil, fmt.Errorf("failed to read WAVE header: %w", err)
	}
	if string(waveID[:]) != "WAVE" {
		return nil, fmt.Errorf("not a valid WAVE file")
	}

	// Walk chunks until we have both fmt and data
	audioFile := &AudioFile{}
	for {
		var chunkID [4]byte
		if _, err := io.ReadFull(file, chunkID[:]); err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read chunk ID: %w", err)
		}

		var chunkSize uint32
		if err := binary.Read(file, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("failed to read chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if err := binary.Read(file, binary.LittleEndian, &audioFile.AudioFormat); err != nil {
				return nil, fmt.Errorf("failed to read audio format: %w", err)
			}
			if audioFile.AudioFormat != 1 {
				return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", audioFile.AudioFormat)
			}
			if err := binary.Read(file, binary.LittleEndian, &audioFile.NumChannels); err != nil {
				return nil, fmt.Errorf("failed to read channels: %w", err)
			}
			if err := binary.Read(file, binary.LittleEndian, &audioFile.SampleRate); err != nil {
				return nil, fmt.Errorf("failed to read sample rate: %w", err)
			}
			// Skip byte rate and block align
			if _, err := file.Seek(6, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to seek past byte rate: %w", err)
			}
			if err := binary.Read(file, binary.LittleEndian, &audioFile.BitsPerSample); err != nil {
				return nil, fmt.Errorf("failed to read bits per sample: %w", err)
			}

		case "data":
			audioData := make([]byte, chunkSize)
			if _, err := io.ReadFull(file, audioData); err != nil {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			audioFile.PCMData = audioData
			slog.Debug("[WAV] Loaded audio",
				"file", filePath,
				"sampleRate", audioFile.SampleRate,
				"channels", audioFile.NumChannels,
				"bitsPerSample", audioFile.BitsPerSample,
				"size_bytes", len(audioData))
			return audioFile, nil

		default:
			// Skip unknown chunks
			if _, err := file.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip chunk: %w", err)
			}
		}
	}

	return nil, fmt.Errorf("data chunk not found in WAV file")
}

// WriteWAVFile writes raw PCM data to a WAV file.
func WriteWAVFile(filePath string, pcm []byte, sampleRate uint32, channels, bitsPerSample uint16) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	hdr := newWAVHeader(sampleRate, channels, bitsPerSample, uint32(len(pcm)))
	if err := binary.Write(file, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	if _, err := file.Write(pcm); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	return nil
}

// FileDuration returns the playback duration of a WAV file.
func FileDuration(filePath string) (time.Duration, error) {
	audioFile, err := ReadWAVFile(filePath)
	if err != nil {
		return 0, err
	}
	return audioFile.Duration(), nil
}

// ResampleAudio converts audio to 8000 Hz mono 16-bit PCM
func ResampleAudio(audioFile *AudioFile) ([]byte, error) {
	const targetSampleRate = 8000

	if audioFile.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bits per sample: %d", audioFile.BitsPerSample)
	}

	var mono []int16
	switch audioFile.NumChannels {
	case 1:
		mono = bytesToSamples(audioFile.PCMData)
	case 2:
		// Average the channels
		interleaved := bytesToSamples(audioFile.PCMData)
		mono = make([]int16, len(interleaved)/2)
		for i := range mono {
			mono[i] = int16((int32(interleaved[2*i]) + int32(interleaved[2*i+1])) / 2)
		}
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", audioFile.NumChannels)
	}

	if audioFile.SampleRate == targetSampleRate {
		return samplesToBytes(mono), nil
	}

	slog.Debug("[Audio] Resampling", "from", audioFile.SampleRate, "to", targetSampleRate, "samples", len(mono))

	// Linear interpolation resampling
	ratio := float64(audioFile.SampleRate) / float64(targetSampleRate)
	out := make([]int16, 0, int(float64(len(mono))/ratio))
	for i := 0; ; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx+1 >= len(mono) {
			break
		}
		frac := srcPos - float64(srcIdx)
		interpolated := float64(mono[srcIdx])*(1-frac) + float64(mono[srcIdx+1])*frac
		out = append(out, int16(interpolated))
	}

	return samplesToBytes(out), nil
}

// PCMToPCMU converts 16-bit PCM samples to PCMU (µ-law) encoding
func PCMToPCMU(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// PCMUToPCM converts PCMU (µ-law) samples to 16-bit PCM
func PCMUToPCM(pcmu []byte) []byte {
	return g711.DecodeUlaw(pcmu)
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}
