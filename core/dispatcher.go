package voicechat

import (
	"context"

	"github.com/empathai/voicechat-go/core/protocol"
)

// Dispatcher routes decoded server events to the streaming pipeline. It owns
// no state of its own: text fragments land in the assembler, audio fragments
// in the playback queue, completed turns in the conversation log, and
// everything else in a registered callback. Events must be routed in arrival
// order from a single goroutine.
type Dispatcher struct {
	assembler *StreamAssembler
	queue     *AudioPlaybackQueue
	log       *ConversationLog
	callbacks ConnectOptions
}

func NewDispatcher(assembler *StreamAssembler, queue *AudioPlaybackQueue, log *ConversationLog, opts ...ConnectOption) *Dispatcher {
	callbacks := ConnectOptions{}
	for _, opt := range opts {
		opt(&callbacks)
	}
	return newDispatcher(assembler, queue, log, callbacks)
}

func newDispatcher(assembler *StreamAssembler, queue *AudioPlaybackQueue, log *ConversationLog, callbacks ConnectOptions) *Dispatcher {
	return &Dispatcher{
		assembler: assembler,
		queue:     queue,
		log:       log,
		callbacks: callbacks,
	}
}

// Route classifies one inbound event and drives the pipeline accordingly.
// No event kind is silently dropped: unrecognized kinds are logged and the
// stream continues.
func (d *Dispatcher) Route(ctx context.Context, event protocol.InboundEvent) {
	switch e := event.(type) {
	case protocol.StatusEvent:
		logger.DebugContext(ctx, "Server status", "status", e.Status)
		if d.callbacks.onStatus != nil {
			d.callbacks.onStatus(e.Status)
		}

	case protocol.TranscriptionEvent:
		// The transcription is the user's side of the exchange, completed in
		// one unit.
		d.log.Append(RoleUser, e.Text)
		if d.callbacks.onTranscription != nil {
			d.callbacks.onTranscription(e.Text)
		}

	case protocol.ResponseStartedEvent:
		d.beginUtterance(ctx)

	case protocol.ResponseChunkEvent:
		d.routeChunk(ctx, e)

	case protocol.LegacyResponseEvent:
		// Non-chunked delivery: the whole utterance arrives finalized, so it
		// bypasses the assembler entirely.
		if len(e.Audio) > 0 {
			d.queue.Enqueue(e.Audio)
		}
		d.deliverUtterance(e.Text)

	case protocol.ErrorEvent:
		logger.WarnContext(ctx, "Server reported an error", "message", e.Message)
		if d.callbacks.onServerError != nil {
			d.callbacks.onServerError(e.Message)
		}

	default:
		logger.WarnContext(ctx, "Ignoring event of unrecognized kind", "kind", string(event.Kind()))
	}
}

func (d *Dispatcher) beginUtterance(ctx context.Context) {
	if previous, finalized := d.assembler.Begin(); finalized {
		logger.DebugContext(ctx, "Response started before the previous one finalized, finalizing it implicitly")
		d.deliverUtterance(previous)
	}
	if d.callbacks.onResponseStarted != nil {
		d.callbacks.onResponseStarted()
	}
}

func (d *Dispatcher) routeChunk(ctx context.Context, chunk protocol.ResponseChunkEvent) {
	if chunk.Text != "" {
		if err := d.assembler.Append(chunk.Text); err != nil {
			// A fragment with no open utterance; open one rather than drop
			// the text.
			logger.DebugContext(ctx, "Response chunk arrived before the response start, opening an utterance", "error", err)
			d.beginUtterance(ctx)
			if err := d.assembler.Append(chunk.Text); err != nil {
				logger.WarnContext(ctx, "Dropping response fragment", "error", err)
			}
		}
		if d.callbacks.onResponseText != nil {
			d.callbacks.onResponseText(chunk.Text)
		}
	}

	if len(chunk.Audio) > 0 {
		d.queue.Enqueue(chunk.Audio)
	}

	if chunk.End {
		// A stray end marker with nothing accumulating finalizes nothing.
		if utterance, ok := d.assembler.Finalize(); ok {
			// Emptying the assembler here means partial-text reads report
			// nothing once the utterance is delivered.
			d.assembler.Reset()
			d.deliverUtterance(utterance)
		}
	}
}

func (d *Dispatcher) deliverUtterance(utterance string) {
	if utterance != "" {
		d.log.Append(RoleAssistant, utterance)
	}
	if d.callbacks.onResponseFinalized != nil {
		d.callbacks.onResponseFinalized(utterance)
	}
}
