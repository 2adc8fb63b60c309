package voicechat

import (
	"context"

	"github.com/empathai/voicechat-go/core/transport"
	"github.com/empathai/voicechat-go/core/transport/duplex"
	"github.com/empathai/voicechat-go/core/transport/polling"
)

// DialFunc establishes the transport that carries one session. The session
// controller invokes it on every connect and owns the returned transport
// until that session ends.
type DialFunc func(ctx context.Context) (transport.Transport, error)

type sessionOptions struct {
	dial          DialFunc
	sink          PlaybackSink
	captureSource CaptureSource
	useRAG        bool
}

// SessionOption adjusts a session controller at construction time.
type SessionOption func(*sessionOptions)

// WithDuplexTransport carries sessions over the persistent websocket channel
// at serverURL. This is the primary transport variant.
func WithDuplexTransport(serverURL string, opts ...duplex.ConnectOption) SessionOption {
	return func(o *sessionOptions) {
		o.dial = func(ctx context.Context) (transport.Transport, error) {
			return duplex.Connect(ctx, serverURL, opts...)
		}
	}
}

// WithPollingTransport carries sessions over the HTTP polling fallback at
// serverURL, for environments where a persistent channel cannot be held
// open.
func WithPollingTransport(serverURL string, opts ...polling.ConnectOption) SessionOption {
	return func(o *sessionOptions) {
		o.dial = func(ctx context.Context) (transport.Transport, error) {
			return polling.Connect(ctx, serverURL, opts...)
		}
	}
}

// WithTransportDialer installs a custom transport factory.
func WithTransportDialer(dial DialFunc) SessionOption {
	return func(o *sessionOptions) {
		o.dial = dial
	}
}

// WithPlaybackSink renders response audio through sink. Without one the
// session still consumes audio fragments, it just plays nothing.
func WithPlaybackSink(sink PlaybackSink) SessionOption {
	return func(o *sessionOptions) {
		o.sink = sink
	}
}

// WithCaptureSource enables voice recording from the given microphone
// source.
func WithCaptureSource(source CaptureSource) SessionOption {
	return func(o *sessionOptions) {
		o.captureSource = source
	}
}

// WithRAGDisabled turns off retrieval-augmented generation for outbound text
// turns.
func WithRAGDisabled() SessionOption {
	return func(o *sessionOptions) {
		o.useRAG = false
	}
}

// ConnectOptions carries the observer callbacks registered for one session.
// All callbacks are invoked from the session's event consumer and should not
// block; a blocking callback stalls the whole inbound stream.
type ConnectOptions struct {
	onStatus            func(status string)
	onTranscription     func(text string)
	onResponseStarted   func()
	onResponseText      func(delta string)
	onResponseFinalized func(utterance string)
	onPlaybackDone      func()
	onStateChanged      func(state SessionState)
	onServerError       func(message string)
}

// ConnectOption registers one observer callback for a session.
type ConnectOption func(*ConnectOptions)

// WithStatusCallback registers a callback for informational server status
// messages. They never change pipeline state.
func WithStatusCallback(callback func(status string)) ConnectOption {
	return func(o *ConnectOptions) {
		o.onStatus = callback
	}
}

// WithTranscriptionCallback registers a callback for the final transcription
// of each submitted recording.
func WithTranscriptionCallback(callback func(text string)) ConnectOption {
	return func(o *ConnectOptions) {
		o.onTranscription = callback
	}
}

func WithResponseStartedCallback(callback func()) ConnectOption {
	return func(o *ConnectOptions) {
		o.onResponseStarted = callback
	}
}

// WithResponseTextCallback registers a callback for each streamed text
// fragment, in arrival order.
func WithResponseTextCallback(callback func(delta string)) ConnectOption {
	return func(o *ConnectOptions) {
		o.onResponseText = callback
	}
}

// WithResponseFinalizedCallback registers a callback for each completed
// assistant utterance.
func WithResponseFinalizedCallback(callback func(utterance string)) ConnectOption {
	return func(o *ConnectOptions) {
		o.onResponseFinalized = callback
	}
}

// WithPlaybackDoneCallback registers a callback invoked whenever the
// playback queue runs dry. A slowly streaming response can drain the queue
// more than once, so this marks "nothing left to play right now", not the
// end of an utterance.
func WithPlaybackDoneCallback(callback func()) ConnectOption {
	return func(o *ConnectOptions) {
		o.onPlaybackDone = callback
	}
}

func WithStateChangedCallback(callback func(state SessionState)) ConnectOption {
	return func(o *ConnectOptions) {
		o.onStateChanged = callback
	}
}

// WithServerErrorCallback registers a callback for non-fatal errors the
// server reports. They degrade the session transiently but never tear it
// down.
func WithServerErrorCallback(callback func(message string)) ConnectOption {
	return func(o *ConnectOptions) {
		o.onServerError = callback
	}
}
