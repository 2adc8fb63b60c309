package voicechat

import (
	"errors"
	"strings"
	"sync"
)

// ErrNotAccumulating is returned by [StreamAssembler.Append] when no
// utterance has been started.
var ErrNotAccumulating = errors.New("no utterance is accumulating")

// UtteranceState tracks where the assembler is in an utterance's lifetime.
type UtteranceState int

const (
	// UtteranceEmpty means no utterance has been started yet.
	UtteranceEmpty UtteranceState = iota
	// UtteranceAccumulating means fragments are being collected.
	UtteranceAccumulating
	// UtteranceFinalized means the utterance is complete and the assembler
	// is waiting for the next Begin or Reset.
	UtteranceFinalized
)

func (s UtteranceState) String() string {
	switch s {
	case UtteranceEmpty:
		return "empty"
	case UtteranceAccumulating:
		return "accumulating"
	case UtteranceFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// StreamAssembler reconstructs one assistant utterance from streamed text
// fragments. Fragments concatenate in arrival order; at most one utterance
// is in flight at a time.
//
// A Begin while a previous utterance is still accumulating finalizes that
// utterance implicitly and starts the next one. The backend does not
// document whether it ever opens a response before closing the previous
// one, so this policy is a client-side assumption, applied consistently
// rather than surfaced as an error.
type StreamAssembler struct {
	mu     sync.Mutex
	state  UtteranceState
	chunks []string
}

func NewStreamAssembler() *StreamAssembler {
	return &StreamAssembler{}
}

// Begin opens a new utterance. If a previous utterance was still
// accumulating, it is finalized first and returned with finalized=true so
// the caller can deliver it.
func (a *StreamAssembler) Begin() (previous string, finalized bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == UtteranceAccumulating && len(a.chunks) > 0 {
		previous = strings.Join(a.chunks, "")
		finalized = true
	}

	a.state = UtteranceAccumulating
	a.chunks = a.chunks[:0]
	return previous, finalized
}

// Append adds one text fragment to the end of the accumulating utterance.
func (a *StreamAssembler) Append(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != UtteranceAccumulating {
		return ErrNotAccumulating
	}

	a.chunks = append(a.chunks, text)
	return nil
}

// Finalize completes the accumulating utterance and returns its full text.
// It reports false when nothing was accumulating, which makes a stray
// end-of-stream marker harmless.
func (a *StreamAssembler) Finalize() (utterance string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != UtteranceAccumulating {
		return "", false
	}

	a.state = UtteranceFinalized
	return strings.Join(a.chunks, ""), true
}

// Reset discards any accumulated fragments and returns to the empty state.
// Safe to call in any state, any number of times.
func (a *StreamAssembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = UtteranceEmpty
	a.chunks = nil
}

func (a *StreamAssembler) State() UtteranceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// String returns the text accumulated so far, finalized or not.
func (a *StreamAssembler) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.chunks, "")
}
