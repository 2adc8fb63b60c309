// Package voicechat implements the client side of a streaming
// voice-conversation session: a session controller that owns one transport,
// reassembles the assistant's utterance from streamed text fragments, and
// plays synthesized audio fragments strictly in arrival order.
package voicechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/empathai/voicechat-go/core/audio"
	"github.com/empathai/voicechat-go/core/protocol"
	"github.com/empathai/voicechat-go/core/transport"
)

var (
	// ErrNoTransport is returned by Connect when no transport was configured.
	ErrNoTransport = errors.New("no transport configured")
	// ErrSessionNotOpen is returned by actions that require an open session.
	ErrSessionNotOpen = errors.New("session is not open")
	// ErrSessionActive is returned by Connect while a session is already
	// connecting or open; it must be torn down first.
	ErrSessionActive = errors.New("a session is already active")
	// ErrSessionNotFaulted is returned by Retry when there is no fault to
	// recover from.
	ErrSessionNotFaulted = errors.New("session is not faulted")
	// ErrSessionClosed is returned once the controller has been closed for
	// good.
	ErrSessionClosed = errors.New("session controller is closed")
)

// SessionState is the lifecycle position of the session controller.
type SessionState int

const (
	// StateIdle means no session is established.
	StateIdle SessionState = iota
	// StateConnecting means a transport is being established.
	StateConnecting
	// StateOpen means the session is live: send, record and clear are
	// enabled.
	StateOpen
	// StateClosing means a user-initiated disconnect is draining out.
	StateClosing
	// StateFaulted means the transport failed; Retry can recover.
	StateFaulted
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// SessionController is the composition root of the streaming pipeline. It
// owns one transport, one stream assembler, one playback queue, one
// conversation log and one recording controller, and mediates every
// lifecycle transition between them. At most one session is live at a time;
// leaving the open state for any reason abandons in-flight playback,
// discards any partial utterance and releases the transport.
type SessionController struct {
	options sessionOptions

	assembler *StreamAssembler
	queue     *AudioPlaybackQueue
	log       *ConversationLog
	recorder  *RecordingController

	mu           sync.Mutex
	state        SessionState
	transport    transport.Transport
	callbacks    ConnectOptions
	consumerDone chan struct{}
	lastErr      error
	closed       bool

	closeOnce sync.Once
}

func NewSessionController(opts ...SessionOption) *SessionController {
	options := sessionOptions{useRAG: true}
	for _, opt := range opts {
		opt(&options)
	}

	sink := options.sink
	if sink == nil {
		sink = noopSink{}
	}

	s := &SessionController{
		options:   options,
		assembler: NewStreamAssembler(),
		log:       NewConversationLog(),
	}
	s.queue = NewAudioPlaybackQueue(sink, WithQueueDrainedCallback(s.notifyPlaybackDone))
	s.recorder = NewRecordingController(options.captureSource)
	return s
}

// Connect establishes a session over the configured transport and registers
// the observer callbacks for its lifetime. Valid from idle or faulted; an
// active session must be disconnected first.
func (s *SessionController) Connect(ctx context.Context, opts ...ConnectOption) error {
	callbacks := ConnectOptions{}
	for _, opt := range opts {
		opt(&callbacks)
	}
	return s.connect(ctx, &callbacks, false)
}

// Retry re-establishes a faulted session, keeping the callbacks registered
// by the previous Connect.
func (s *SessionController) Retry(ctx context.Context) error {
	return s.connect(ctx, nil, true)
}

func (s *SessionController) connect(ctx context.Context, callbacks *ConnectOptions, mustBeFaulted bool) error {
	ctx, span := tracer.Start(ctx, "connect session")
	defer span.End()

	if s.options.dial == nil {
		return ErrNoTransport
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if mustBeFaulted && s.state != StateFaulted {
		s.mu.Unlock()
		return ErrSessionNotFaulted
	}
	if s.state != StateIdle && s.state != StateFaulted {
		s.mu.Unlock()
		return ErrSessionActive
	}
	if callbacks != nil {
		s.callbacks = *callbacks
	}
	s.lastErr = nil
	s.state = StateConnecting
	onStateChanged := s.callbacks.onStateChanged
	s.mu.Unlock()

	if onStateChanged != nil {
		onStateChanged(StateConnecting)
	}

	t, err := s.options.dial(ctx)
	if err != nil {
		err = fmt.Errorf("failed to establish transport: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		s.mu.Lock()
		s.state = StateFaulted
		s.lastErr = err
		s.mu.Unlock()
		if onStateChanged != nil {
			onStateChanged(StateFaulted)
		}
		return err
	}
	span.SetAttributes(attribute.String("session.id", t.SessionID()))

	done := make(chan struct{})
	s.mu.Lock()
	// The controller may have been closed while the dial was in flight.
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return ErrSessionClosed
	}
	s.transport = t
	s.consumerDone = done
	s.state = StateOpen
	dispatcher := newDispatcher(s.assembler, s.queue, s.log, s.callbacks)
	s.mu.Unlock()

	if onStateChanged != nil {
		onStateChanged(StateOpen)
	}
	go s.consumeEvents(t, dispatcher, done)

	logger.InfoContext(ctx, "Session open", "session_id", t.SessionID())
	return nil
}

// consumeEvents is the session's single event consumer: every inbound event
// flows through the dispatcher in arrival order until the transport
// terminates, at which point the session leaves the open state and the
// pipeline is reset.
func (s *SessionController) consumeEvents(t transport.Transport, dispatcher *Dispatcher, done chan struct{}) {
	defer close(done)
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("event consumer panicked: %v", recovered)
			logger.Error("Event consumer panicked", "error", err)
			s.finishSession(t, err)
		}
	}()

	ctx := context.Background()
	for event := range t.Events() {
		dispatcher.Route(ctx, event)
	}

	s.finishSession(t, t.Err())
}

// finishSession is the single exit path out of the open state. Whatever the
// cause, the in-flight playback is abandoned, queued fragments and any
// partial utterance are discarded, a running capture is dropped, and the
// transport is released together with its poll ticker.
func (s *SessionController) finishSession(t transport.Transport, cause error) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.transport = nil

	wasClosing := s.state == StateClosing
	next := StateIdle
	if cause != nil && !wasClosing {
		next = StateFaulted
		s.lastErr = cause
	}
	s.state = next
	onStateChanged := s.callbacks.onStateChanged
	s.mu.Unlock()

	s.recorder.Abort()
	s.queue.Reset()
	s.assembler.Reset()
	t.Close()

	if cause != nil {
		if wasClosing {
			logger.Debug("Ignoring transport error during disconnect", "error", cause)
		} else {
			logger.Error("Session terminated by transport failure", "error", cause)
		}
	}
	if onStateChanged != nil {
		onStateChanged(next)
	}
}

// Disconnect ends the open session and blocks until the event consumer has
// drained out and the session is idle again.
func (s *SessionController) Disconnect() error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	s.state = StateClosing
	t := s.transport
	done := s.consumerDone
	onStateChanged := s.callbacks.onStateChanged
	s.mu.Unlock()

	if onStateChanged != nil {
		onStateChanged(StateClosing)
	}
	t.Close()
	<-done
	return nil
}

// Close permanently shuts the controller down: any live session is torn
// down and the playback queue's consumer is stopped. Close is idempotent and
// always returns nil.
func (s *SessionController) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		t := s.transport
		done := s.consumerDone
		if s.state == StateOpen || s.state == StateConnecting {
			s.state = StateClosing
		}
		s.mu.Unlock()

		if t != nil {
			t.Close()
		}
		if done != nil {
			<-done
		}
		s.recorder.Abort()
		s.queue.Close()
	})
	return nil
}

// SendText submits one typed user turn. The session must be open; a
// rejected send leaves the queue and assembler untouched.
func (s *SessionController) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	t := s.transport
	useRAG := s.options.useRAG
	s.mu.Unlock()

	if err := t.SendText(ctx, protocol.NewTextInput(text, useRAG)); err != nil {
		return fmt.Errorf("failed to send text input: %w", err)
	}
	s.log.Append(RoleUser, text)
	return nil
}

// ClearSession drops the conversation state on both ends: the server is
// asked to clear its session, then the playback queue, the assembler and the
// local log are reset. The transport stays open.
func (s *SessionController) ClearSession(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "clear session state")
	defer span.End()

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	t := s.transport
	s.mu.Unlock()

	if err := t.ClearSession(ctx); err != nil {
		err = fmt.Errorf("failed to clear server session: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.queue.Reset()
	s.assembler.Reset()
	s.log.Clear()
	return nil
}

// StartRecording begins capturing a voice turn from the configured source.
func (s *SessionController) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	s.mu.Unlock()

	return s.recorder.Start(ctx)
}

// StopRecording ends the capture and submits the recorded utterance as one
// blob over the session's transport.
func (s *SessionController) StopRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	t := s.transport
	s.mu.Unlock()

	blob, err := s.recorder.Stop(ctx)
	if err != nil {
		return err
	}
	if err := t.SendAudio(ctx, blob); err != nil {
		return fmt.Errorf("failed to submit recorded utterance: %w", err)
	}
	return nil
}

// AbortResponse asks the server to stop generating the in-flight response,
// on transports that support it.
func (s *SessionController) AbortResponse(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	t := s.transport
	s.mu.Unlock()

	aborter, ok := t.(transport.ResponseAborter)
	if !ok {
		return transport.ErrUnsupported
	}
	return aborter.AbortResponse(ctx)
}

// ServerHistory fetches the server-side conversation record, on transports
// that support it. Conversation returns the client-side log.
func (s *SessionController) ServerHistory(ctx context.Context) ([]transport.HistoryMessage, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil, ErrSessionNotOpen
	}
	t := s.transport
	s.mu.Unlock()

	provider, ok := t.(transport.HistoryProvider)
	if !ok {
		return nil, transport.ErrUnsupported
	}
	return provider.History(ctx)
}

// Conversation returns a snapshot of the client-side conversation log.
func (s *SessionController) Conversation() []Turn {
	return s.log.History()
}

// PartialResponse returns the text of the utterance currently streaming in,
// or the empty string when none is.
func (s *SessionController) PartialResponse() string {
	return s.assembler.String()
}

// State reports the session's lifecycle position.
func (s *SessionController) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session faulted. It is cleared on the next connect.
func (s *SessionController) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SessionID returns the live session's identifier, or the empty string when
// no session is established.
func (s *SessionController) SessionID() string {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return ""
	}
	return t.SessionID()
}

// Recording reports whether a voice capture is running.
func (s *SessionController) Recording() bool {
	return s.recorder.Recording()
}

// RecordedDuration reports how much audio the running capture holds so far.
func (s *SessionController) RecordedDuration() time.Duration {
	return s.recorder.Captured()
}

// PlaybackState reports what the playback queue's consumer is doing.
func (s *SessionController) PlaybackState() PlaybackState {
	return s.queue.State()
}

// QueuedFragments reports how many audio fragments are waiting to play.
func (s *SessionController) QueuedFragments() int {
	return s.queue.Len()
}

func (s *SessionController) notifyPlaybackDone() {
	s.mu.Lock()
	onPlaybackDone := s.callbacks.onPlaybackDone
	s.mu.Unlock()

	if onPlaybackDone != nil {
		onPlaybackDone()
	}
}

// noopSink consumes fragments without rendering them, for sessions that run
// without an audio device.
type noopSink struct{}

func (noopSink) Play(context.Context, []byte, audio.EncodingInfo) error { return nil }
