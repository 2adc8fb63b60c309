package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeInbound classifies one JSON frame by its type tag and unmarshals it
// into the matching event. Audio payloads arrive base64-encoded and are
// decoded here, so consumers only ever see raw bytes. Frames with an
// unrecognized tag come back as UnknownEvent; only malformed JSON is an
// error.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed inbound frame: %w", err)
	}

	switch Kind(envelope.Type) {
	case KindStatus:
		return decodeAs[StatusEvent](envelope.Type, data)
	case KindTranscription:
		return decodeAs[TranscriptionEvent](envelope.Type, data)
	case KindResponseStart:
		return decodeAs[ResponseStartedEvent](envelope.Type, data)
	case KindResponseChunk:
		return decodeAs[ResponseChunkEvent](envelope.Type, data)
	case KindResponseFull:
		return decodeAs[LegacyResponseEvent](envelope.Type, data)
	case KindError:
		return decodeAs[ErrorEvent](envelope.Type, data)
	default:
		return UnknownEvent{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeAs[T InboundEvent](tag string, data []byte) (InboundEvent, error) {
	var event T
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", tag, err)
	}
	return event, nil
}
