package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidAudio marks payloads that cannot be decoded or encodings this
// package does not handle.
var ErrInvalidAudio = errors.New("invalid or unsupported audio")

// DecodeWAV parses a complete WAV blob into interleaved 16-bit little-endian
// PCM bytes plus the stream's encoding info.
func DecodeWAV(data []byte) ([]byte, EncodingInfo, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, EncodingInfo{}, fmt.Errorf("decode wav: %w", ErrInvalidAudio)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, EncodingInfo{}, fmt.Errorf("decode wav: %w", err)
	}
	if decoder.BitDepth != 16 {
		return nil, EncodingInfo{}, fmt.Errorf("decode wav: %w: %d-bit samples", ErrInvalidAudio, decoder.BitDepth)
	}

	pcm := make([]byte, 0, len(buf.Data)*2)
	for _, sample := range buf.Data {
		pcm = append(pcm, byte(sample), byte(sample>>8))
	}

	return pcm, EncodingInfo{SampleRate: int(decoder.SampleRate), Format: EncodingLinear16}, nil
}

// EncodeWAV wraps 16-bit little-endian PCM bytes into a mono WAV blob.
func EncodeWAV(pcm []byte, info EncodingInfo) ([]byte, error) {
	if info.IsZero() {
		info = GetDefaultEncodingInfo()
	}
	if info.Format != EncodingLinear16 {
		return nil, fmt.Errorf("encode wav: %w: %s", ErrInvalidAudio, info.Format.Name())
	}

	samples := make([]int, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		samples = append(samples, int(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)))
	}

	buf := wavBuffer{}
	encoder := wav.NewEncoder(&buf, info.SampleRate, 16, 1, 1)
	if err := encoder.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: info.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}

	return buf.data, nil
}

// wavBuffer is an in-memory io.WriteSeeker. The wav encoder needs to seek
// back and patch chunk sizes on Close, which rules out bytes.Buffer.
type wavBuffer struct {
	data []byte
	pos  int
}

func (b *wavBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		if need <= cap(b.data) {
			b.data = b.data[:need]
		} else {
			grown := make([]byte, need)
			copy(grown, b.data)
			b.data = grown
		}
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *wavBuffer) Seek(offset int64, whence int) (int64, error) {
	next := b.pos
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next += int(offset)
	case io.SeekEnd:
		next = len(b.data) + int(offset)
	default:
		return 0, fmt.Errorf("unsupported whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("seek before start of buffer")
	}

	b.pos = next
	return int64(next), nil
}
