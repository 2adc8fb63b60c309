// Package transport defines the contract shared by the duplex and polling
// transport variants.
package transport

import (
	"context"
	"errors"

	"github.com/empathai/voicechat-go/core/protocol"
)

var (
	// ErrNotConnected is returned by send operations before a channel is
	// established or after it has terminated.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnsupported is returned for operations a transport variant cannot
	// perform.
	ErrUnsupported = errors.New("operation not supported by this transport")
	// ErrResponseInFlight is returned by transports that serialize
	// exchanges when a send arrives while a response is still streaming.
	ErrResponseInFlight = errors.New("a response is still in flight")
)

// Transport carries one conversation session: outbound messages in, an
// ordered stream of inbound events out.
//
// Events returns the stream channel. Implementations never reorder events,
// and close the channel when the transport terminates for any reason; Err
// reports the terminal cause afterwards (nil after a clean Close).
//
// SendAudio submits one complete recorded utterance. Close is idempotent.
type Transport interface {
	Events() <-chan protocol.InboundEvent
	SendText(ctx context.Context, msg protocol.TextInputMessage) error
	SendAudio(ctx context.Context, audio []byte) error
	ClearSession(ctx context.Context) error
	SessionID() string
	Close() error
	Err() error
}

// HistoryMessage is one conversation turn as the server records it.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryProvider is implemented by transports that can fetch the
// server-side conversation history for their session.
type HistoryProvider interface {
	History(ctx context.Context) ([]HistoryMessage, error)
}

// ResponseAborter is implemented by transports that can ask the server to
// stop generating the in-flight response.
type ResponseAborter interface {
	AbortResponse(ctx context.Context) error
}
