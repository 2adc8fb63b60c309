package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeWAVRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xFF, 0x7F, 0x00, 0x80, 0xFE, 0xFF}
	info := EncodingInfo{SampleRate: 16000, Format: EncodingLinear16}

	blob, err := EncodeWAV(pcm, info)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(blob) <= len(pcm) {
		t.Fatalf("expected wav blob with headers to be larger than %d bytes of pcm, got %d", len(pcm), len(blob))
	}

	decoded, decodedInfo, err := DecodeWAV(blob)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Fatalf("expected decoded pcm %v, got %v", pcm, decoded)
	}
	if decodedInfo.SampleRate != info.SampleRate {
		t.Fatalf("expected sample rate %d, got %d", info.SampleRate, decodedInfo.SampleRate)
	}
	if decodedInfo.Format != EncodingLinear16 {
		t.Fatalf("expected linear16 format, got %s", decodedInfo.Format.Name())
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV([]byte("definitely not a wav stream"))
	if err == nil {
		t.Fatalf("expected an error for garbage input")
	}
	if !errors.Is(err, ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}
}

func TestDecodeWAVRejectsEmptyInput(t *testing.T) {
	if _, _, err := DecodeWAV(nil); err == nil {
		t.Fatalf("expected an error for empty input")
	}
}

func TestEncodeWAVRejectsNonLinear16(t *testing.T) {
	_, err := EncodeWAV([]byte{0x00, 0x01}, EncodingInfo{SampleRate: 8000, Format: EncodingMulaw})
	if err == nil {
		t.Fatalf("expected an error for mulaw input")
	}
	if !errors.Is(err, ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}
}

func TestEncodingInfoDuration(t *testing.T) {
	info := EncodingInfo{SampleRate: 16000, Format: EncodingLinear16}
	if got := info.Duration(32000); got.Seconds() != 1 {
		t.Fatalf("expected 32000 bytes of 16kHz linear16 to last 1s, got %s", got)
	}
	if got := (EncodingInfo{}).Duration(32000); got != 0 {
		t.Fatalf("expected zero duration for zero encoding info, got %s", got)
	}
}
