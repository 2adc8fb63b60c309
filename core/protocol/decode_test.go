package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"
)

func TestDecodeInboundResponseChunkDecodesBase64Audio(t *testing.T) {
	audio := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x01}
	frame := fmt.Sprintf(
		`{"type":"audio_response_chunk","text":"Hi","audio":%q,"format":"wav","chunk_index":2,"end":true}`,
		base64.StdEncoding.EncodeToString(audio),
	)

	event, err := DecodeInbound([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeInbound failed: %v", err)
	}

	chunk, ok := event.(ResponseChunkEvent)
	if !ok {
		t.Fatalf("expected ResponseChunkEvent, got %T", event)
	}
	if chunk.Text != "Hi" {
		t.Fatalf("expected text %q, got %q", "Hi", chunk.Text)
	}
	if !bytes.Equal(chunk.Audio, audio) {
		t.Fatalf("expected audio %v, got %v", audio, chunk.Audio)
	}
	if chunk.Format != "wav" {
		t.Fatalf("expected format wav, got %q", chunk.Format)
	}
	if chunk.ChunkIndex != 2 {
		t.Fatalf("expected chunk index 2, got %d", chunk.ChunkIndex)
	}
	if !chunk.End {
		t.Fatalf("expected end flag to be set")
	}
}

func TestDecodeInboundChunkWithoutAudioYieldsNil(t *testing.T) {
	event, err := DecodeInbound([]byte(`{"type":"audio_response_chunk","text":"partial","end":false}`))
	if err != nil {
		t.Fatalf("DecodeInbound failed: %v", err)
	}
	chunk := event.(ResponseChunkEvent)
	if chunk.Audio != nil {
		t.Fatalf("expected nil audio for text-only chunk, got %v", chunk.Audio)
	}
	if chunk.End {
		t.Fatalf("expected end flag to be unset")
	}
}

func TestDecodeInboundResponseStartCarriesPreview(t *testing.T) {
	event, err := DecodeInbound([]byte(`{"type":"text_response","text":"Hello there.","processing_time":0.42}`))
	if err != nil {
		t.Fatalf("DecodeInbound failed: %v", err)
	}
	started, ok := event.(ResponseStartedEvent)
	if !ok {
		t.Fatalf("expected ResponseStartedEvent, got %T", event)
	}
	if started.Text != "Hello there." {
		t.Fatalf("expected preview text, got %q", started.Text)
	}
	if started.ProcessingTime != 0.42 {
		t.Fatalf("expected processing time 0.42, got %f", started.ProcessingTime)
	}
}

func TestDecodeInboundLegacyResponse(t *testing.T) {
	audio := []byte("fake-wav")
	frame := fmt.Sprintf(`{"type":"audio_response","text":"All at once.","audio":%q,"format":"wav"}`,
		base64.StdEncoding.EncodeToString(audio))

	event, err := DecodeInbound([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeInbound failed: %v", err)
	}
	legacy, ok := event.(LegacyResponseEvent)
	if !ok {
		t.Fatalf("expected LegacyResponseEvent, got %T", event)
	}
	if legacy.Text != "All at once." || !bytes.Equal(legacy.Audio, audio) {
		t.Fatalf("unexpected legacy payload: %+v", legacy)
	}
}

func TestDecodeInboundUnknownKindIsPreservedNotDropped(t *testing.T) {
	raw := []byte(`{"type":"telemetry","level":9}`)
	event, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound failed: %v", err)
	}
	unknown, ok := event.(UnknownEvent)
	if !ok {
		t.Fatalf("expected UnknownEvent, got %T", event)
	}
	if unknown.Type != "telemetry" {
		t.Fatalf("expected type tag telemetry, got %q", unknown.Type)
	}
	if !bytes.Equal(unknown.Raw, raw) {
		t.Fatalf("expected raw frame to be preserved")
	}
}

func TestDecodeInboundMalformedFrameErrors(t *testing.T) {
	if _, err := DecodeInbound([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected an error for truncated frame")
	}
	if _, err := DecodeInbound([]byte(`{"type":"error","message":5}`)); err == nil {
		t.Fatalf("expected an error for mistyped field")
	}
	if _, err := DecodeInbound([]byte(`{"type":"audio_response_chunk","audio":"%%%"}`)); err == nil {
		t.Fatalf("expected an error for invalid base64 audio")
	}
}

func TestOutboundMessages(t *testing.T) {
	msg := NewTextInput("hi", true)
	if msg.Type != "text_input" || msg.Text != "hi" || !msg.UseRAG {
		t.Fatalf("unexpected text input message: %+v", msg)
	}
	if clear := NewClearSession(); clear.Type != "clear_session" {
		t.Fatalf("unexpected clear session message: %+v", clear)
	}
}
