// Package protocol defines the wire contract shared by every transport: the
// discriminated inbound event stream the server produces and the outbound
// control messages a client may send.
package protocol

import "encoding/json"

// Kind identifies the wire type tag of an inbound server event.
type Kind string

const (
	KindStatus        Kind = "status"
	KindTranscription Kind = "transcription"
	KindResponseStart Kind = "text_response"
	KindResponseChunk Kind = "audio_response_chunk"
	KindResponseFull  Kind = "audio_response"
	KindError         Kind = "error"
)

// InboundEvent is implemented by every message the server pushes to a
// client. Frames are decoded exactly once, at the transport boundary;
// consumers switch on the concrete type.
type InboundEvent interface {
	Kind() Kind
	isInboundEvent()
}

// StatusEvent is informational and never changes pipeline state.
type StatusEvent struct {
	Status string `json:"status"`
}

func (StatusEvent) Kind() Kind      { return KindStatus }
func (StatusEvent) isInboundEvent() {}

// TranscriptionEvent carries the final transcription of a submitted audio
// utterance.
type TranscriptionEvent struct {
	Text string `json:"text"`
}

func (TranscriptionEvent) Kind() Kind      { return KindTranscription }
func (TranscriptionEvent) isInboundEvent() {}

// ResponseStartedEvent opens a new streaming assistant utterance. Text and
// ProcessingTime preview the complete response on servers that include
// them; assembly still follows the chunk stream.
type ResponseStartedEvent struct {
	Text           string  `json:"text"`
	ProcessingTime float64 `json:"processing_time"`
}

func (ResponseStartedEvent) Kind() Kind      { return KindResponseStart }
func (ResponseStartedEvent) isInboundEvent() {}

// ResponseChunkEvent is one streamed fragment: appended utterance text
// plus, when Audio is non-empty, one synthesized audio fragment. End marks
// the utterance as complete. ChunkIndex is informational; arrival order is
// authoritative.
type ResponseChunkEvent struct {
	Text       string `json:"text"`
	Audio      []byte `json:"audio"`
	Format     string `json:"format"`
	ChunkIndex int    `json:"chunk_index"`
	End        bool   `json:"end"`
}

func (ResponseChunkEvent) Kind() Kind      { return KindResponseChunk }
func (ResponseChunkEvent) isInboundEvent() {}

// LegacyResponseEvent is the non-chunked delivery older servers use: the
// complete utterance text and a single audio fragment in one frame.
type LegacyResponseEvent struct {
	Text   string `json:"text"`
	Audio  []byte `json:"audio"`
	Format string `json:"format"`
}

func (LegacyResponseEvent) Kind() Kind      { return KindResponseFull }
func (LegacyResponseEvent) isInboundEvent() {}

// ErrorEvent surfaces a non-fatal server-side failure. It degrades the
// session transiently but never tears it down.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Kind() Kind      { return KindError }
func (ErrorEvent) isInboundEvent() {}

// UnknownEvent preserves frames with an unrecognized type tag so no event
// is silently dropped.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) Kind() Kind    { return Kind(e.Type) }
func (UnknownEvent) isInboundEvent() {}
