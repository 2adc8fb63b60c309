package voicechat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/empathai/voicechat-go/core/audio"
	"github.com/empathai/voicechat-go/core/protocol"
	"github.com/empathai/voicechat-go/core/transport"
)

type transportStub struct {
	mu         sync.Mutex
	events     chan protocol.InboundEvent
	texts      []protocol.TextInputMessage
	blobs      [][]byte
	clearCalls int
	closed     bool
	err        error
	sendErr    error
	sessionID  string
}

func newTransportStub() *transportStub {
	return &transportStub{
		events:    make(chan protocol.InboundEvent, 16),
		sessionID: "session-under-test",
	}
}

func (t *transportStub) Events() <-chan protocol.InboundEvent { return t.events }

func (t *transportStub) SendText(_ context.Context, msg protocol.TextInputMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.texts = append(t.texts, msg)
	return nil
}

func (t *transportStub) SendAudio(_ context.Context, blob []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.blobs = append(t.blobs, append([]byte(nil), blob...))
	return nil
}

func (t *transportStub) ClearSession(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearCalls++
	return nil
}

func (t *transportStub) SessionID() string { return t.sessionID }

func (t *transportStub) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

func (t *transportStub) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *transportStub) emit(event protocol.InboundEvent) { t.events <- event }

// fail terminates the stream the way a broken transport would.
func (t *transportStub) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.err = err
		close(t.events)
	}
}

func (t *transportStub) sentTexts() []protocol.TextInputMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	texts := make([]protocol.TextInputMessage, len(t.texts))
	copy(texts, t.texts)
	return texts
}

func (t *transportStub) sentBlobs() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	blobs := make([][]byte, len(t.blobs))
	copy(blobs, t.blobs)
	return blobs
}

func (t *transportStub) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func dialTo(stub *transportStub) SessionOption {
	return WithTransportDialer(func(context.Context) (transport.Transport, error) {
		return stub, nil
	})
}

func waitForState(t *testing.T, states <-chan SessionState, want SessionState) {
	t.Helper()

	select {
	case got := <-states:
		if got != want {
			t.Fatalf("expected state %s, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state %s", want)
	}
}

func TestSessionConnectTransitionsToOpen(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	states := make(chan SessionState, 8)
	err := session.Connect(context.Background(),
		WithStateChangedCallback(func(state SessionState) { states <- state }),
	)
	if err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}

	waitForState(t, states, StateConnecting)
	waitForState(t, states, StateOpen)
	if got := session.State(); got != StateOpen {
		t.Fatalf("expected an open session, got %s", got)
	}
	if got := session.SessionID(); got != "session-under-test" {
		t.Fatalf("expected the transport's session id, got %q", got)
	}
}

func TestSessionConnectWithoutTransportFails(t *testing.T) {
	session := NewSessionController()
	defer session.Close()

	if err := session.Connect(context.Background()); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestSessionConnectWhileActiveFails(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("expected the first connect to succeed, got %v", err)
	}
	if err := session.Connect(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestSessionDialFailureFaultsAndRetryRecovers(t *testing.T) {
	dialErr := errors.New("server unreachable")
	stub := newTransportStub()
	attempts := 0
	session := NewSessionController(WithTransportDialer(func(context.Context) (transport.Transport, error) {
		attempts++
		if attempts == 1 {
			return nil, dialErr
		}
		return stub, nil
	}))
	defer session.Close()

	states := make(chan SessionState, 8)
	err := session.Connect(context.Background(),
		WithStateChangedCallback(func(state SessionState) { states <- state }),
	)
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected the dial failure to surface, got %v", err)
	}
	waitForState(t, states, StateConnecting)
	waitForState(t, states, StateFaulted)
	if got := session.Err(); !errors.Is(got, dialErr) {
		t.Fatalf("expected Err to report the dial failure, got %v", got)
	}

	if err := session.Retry(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	waitForState(t, states, StateConnecting)
	waitForState(t, states, StateOpen)
	if got := session.Err(); got != nil {
		t.Fatalf("expected the fault to clear on reconnect, got %v", got)
	}
}

func TestSessionRetryRequiresFault(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	if err := session.Retry(context.Background()); !errors.Is(err, ErrSessionNotFaulted) {
		t.Fatalf("expected ErrSessionNotFaulted, got %v", err)
	}
}

func TestSessionTextRoundTrip(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	started := make(chan struct{}, 1)
	finalized := make(chan string, 1)
	err := session.Connect(context.Background(),
		WithResponseStartedCallback(func() { started <- struct{}{} }),
		WithResponseFinalizedCallback(func(text string) { finalized <- text }),
	)
	if err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}

	if err := session.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	texts := stub.sentTexts()
	if len(texts) != 1 || texts[0].Type != "text_input" || texts[0].Text != "hello" {
		t.Fatalf("expected one text_input message, got %v", texts)
	}
	if !texts[0].UseRAG {
		t.Fatalf("expected retrieval to be enabled by default")
	}

	stub.emit(protocol.ResponseStartedEvent{})
	stub.emit(protocol.ResponseChunkEvent{Text: "Hi"})
	stub.emit(protocol.ResponseChunkEvent{Text: " there"})
	stub.emit(protocol.ResponseChunkEvent{Text: "!", End: true})

	waitForSignal(t, started, "the response to start")
	select {
	case utterance := <-finalized:
		if utterance != "Hi there!" {
			t.Fatalf("expected the full utterance, got %q", utterance)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the response to finalize")
	}

	turns := session.Conversation()
	if len(turns) != 2 {
		t.Fatalf("expected a user and an assistant turn, got %v", turns)
	}
	if turns[0].Role != RoleUser || turns[0].Content != "hello" {
		t.Fatalf("expected the user turn first, got %v", turns[0])
	}
	if turns[1].Role != RoleAssistant || turns[1].Content != "Hi there!" {
		t.Fatalf("expected the assistant turn second, got %v", turns[1])
	}
	if got := session.PartialResponse(); got != "" {
		t.Fatalf("expected no partial response after the finalize, got %q", got)
	}
}

func TestSessionSendTextRequiresOpenSession(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	if err := session.SendText(context.Background(), "early"); !errors.Is(err, ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen, got %v", err)
	}
	if got := len(stub.sentTexts()); got != 0 {
		t.Fatalf("expected no outbound message, got %d", got)
	}
	if got := session.Conversation(); len(got) != 0 {
		t.Fatalf("expected a rejected send to leave no trace in the log, got %v", got)
	}
}

func TestSessionRAGDisabledPropagatesToOutboundText(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub), WithRAGDisabled())
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}
	if err := session.SendText(context.Background(), "no retrieval please"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}

	texts := stub.sentTexts()
	if len(texts) != 1 || texts[0].UseRAG {
		t.Fatalf("expected use_rag to be off, got %v", texts)
	}
}

func TestSessionClearResetsPipelineAndKeepsTransport(t *testing.T) {
	playing := make(chan struct{})
	var once sync.Once
	sink := &playbackSinkStub{
		playFunc: func(ctx context.Context, _ []byte, _ audio.EncodingInfo) error {
			once.Do(func() { close(playing) })
			<-ctx.Done()
			return ctx.Err()
		},
	}
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub), WithPlaybackSink(sink))
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}

	fragment, _ := wavFragment(t, 0x01, 8)
	stub.emit(protocol.ResponseStartedEvent{})
	stub.emit(protocol.ResponseChunkEvent{Text: "partial answer", Audio: fragment})
	stub.emit(protocol.ResponseChunkEvent{Audio: fragment})
	stub.emit(protocol.ResponseChunkEvent{Audio: fragment})
	waitForSignal(t, playing, "the first fragment to start playing")

	// Two fragments queued behind the one the sink is holding.
	deadline := time.Now().Add(2 * time.Second)
	for session.QueuedFragments() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the fragments to queue up")
		}
		time.Sleep(time.Millisecond)
	}

	if err := session.ClearSession(context.Background()); err != nil {
		t.Fatalf("expected clear to succeed, got %v", err)
	}

	stub.mu.Lock()
	clearCalls := stub.clearCalls
	stub.mu.Unlock()
	if clearCalls != 1 {
		t.Fatalf("expected the server to be asked to clear once, got %d", clearCalls)
	}
	if got := session.QueuedFragments(); got != 0 {
		t.Fatalf("expected an empty playback queue after clear, got %d", got)
	}
	if got := session.PartialResponse(); got != "" {
		t.Fatalf("expected the partial utterance to be discarded, got %q", got)
	}
	if got := session.Conversation(); len(got) != 0 {
		t.Fatalf("expected an empty conversation log after clear, got %v", got)
	}
	// The channel survives a clear.
	if got := session.State(); got != StateOpen {
		t.Fatalf("expected the session to stay open, got %s", got)
	}
	if stub.isClosed() {
		t.Fatalf("expected the transport to stay open after clear")
	}
	if err := session.SendText(context.Background(), "still here"); err != nil {
		t.Fatalf("expected sends to keep working after clear, got %v", err)
	}
}

func TestSessionTransportFailureFaultsAndResetsPipeline(t *testing.T) {
	streamErr := io.ErrUnexpectedEOF
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	states := make(chan SessionState, 8)
	err := session.Connect(context.Background(),
		WithStateChangedCallback(func(state SessionState) { states <- state }),
	)
	if err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}
	waitForState(t, states, StateConnecting)
	waitForState(t, states, StateOpen)

	stub.emit(protocol.ResponseStartedEvent{})
	stub.emit(protocol.ResponseChunkEvent{Text: "doomed"})
	stub.fail(streamErr)

	waitForState(t, states, StateFaulted)
	if got := session.Err(); !errors.Is(got, streamErr) {
		t.Fatalf("expected the stream failure to be reported, got %v", got)
	}
	if got := session.PartialResponse(); got != "" {
		t.Fatalf("expected the partial utterance to be discarded on fault, got %q", got)
	}
	if err := session.SendText(context.Background(), "too late"); !errors.Is(err, ErrSessionNotOpen) {
		t.Fatalf("expected sends to be rejected after the fault, got %v", err)
	}
}

func TestSessionDisconnectEndsCleanly(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	states := make(chan SessionState, 8)
	err := session.Connect(context.Background(),
		WithStateChangedCallback(func(state SessionState) { states <- state }),
	)
	if err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}
	waitForState(t, states, StateConnecting)
	waitForState(t, states, StateOpen)

	if err := session.Disconnect(); err != nil {
		t.Fatalf("expected disconnect to succeed, got %v", err)
	}
	waitForState(t, states, StateClosing)
	waitForState(t, states, StateIdle)

	if got := session.Err(); got != nil {
		t.Fatalf("expected a clean disconnect to leave no fault, got %v", got)
	}
	if !stub.isClosed() {
		t.Fatalf("expected the transport to be released")
	}
	if err := session.Disconnect(); !errors.Is(err, ErrSessionNotOpen) {
		t.Fatalf("expected a second disconnect to be rejected, got %v", err)
	}
}

func TestSessionVoiceTurnSubmitsOneBlob(t *testing.T) {
	source := &captureSourceStub{}
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub), WithCaptureSource(source))
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}

	if err := session.StartRecording(context.Background()); err != nil {
		t.Fatalf("expected recording to start, got %v", err)
	}
	if !session.Recording() {
		t.Fatalf("expected the session to report an active recording")
	}
	source.deliver(bytes.Repeat([]byte{0x01, 0x00}, 160))
	source.deliver(bytes.Repeat([]byte{0x02, 0x00}, 160))

	if err := session.StopRecording(context.Background()); err != nil {
		t.Fatalf("expected the recording to be submitted, got %v", err)
	}

	blobs := stub.sentBlobs()
	if len(blobs) != 1 {
		t.Fatalf("expected exactly one submitted utterance, got %d", len(blobs))
	}
	pcm, _, err := audio.DecodeWAV(blobs[0])
	if err != nil {
		t.Fatalf("expected the submitted blob to be a playable container, got %v", err)
	}
	if len(pcm) != 640 {
		t.Fatalf("expected both frames in the blob, got %d bytes", len(pcm))
	}
}

func TestSessionRecordingRequiresOpenSession(t *testing.T) {
	source := &captureSourceStub{}
	session := NewSessionController(
		WithTransportDialer(func(context.Context) (transport.Transport, error) {
			return newTransportStub(), nil
		}),
		WithCaptureSource(source),
	)
	defer session.Close()

	if err := session.StartRecording(context.Background()); !errors.Is(err, ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen, got %v", err)
	}
}

func TestSessionEmptyRecordingSubmitsNothing(t *testing.T) {
	source := &captureSourceStub{}
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub), WithCaptureSource(source))
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}
	if err := session.StartRecording(context.Background()); err != nil {
		t.Fatalf("expected recording to start, got %v", err)
	}
	if err := session.StopRecording(context.Background()); !errors.Is(err, ErrNoAudioCaptured) {
		t.Fatalf("expected ErrNoAudioCaptured, got %v", err)
	}
	if got := len(stub.sentBlobs()); got != 0 {
		t.Fatalf("expected no submission for an empty capture, got %d", got)
	}
}

func TestSessionServerExtrasRequireTransportSupport(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}

	if err := session.AbortResponse(context.Background()); !errors.Is(err, transport.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported from a duplex-style transport, got %v", err)
	}
	if _, err := session.ServerHistory(context.Background()); !errors.Is(err, transport.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported from a duplex-style transport, got %v", err)
	}
}

func TestSessionPlaybackDoneFiresAfterDrain(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub), WithPlaybackSink(&playbackSinkStub{}))
	defer session.Close()

	drained := make(chan struct{}, 1)
	err := session.Connect(context.Background(),
		WithPlaybackDoneCallback(func() { drained <- struct{}{} }),
	)
	if err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}

	fragment, _ := wavFragment(t, 0x03, 8)
	stub.emit(protocol.ResponseChunkEvent{Audio: fragment})
	waitForSignal(t, drained, "playback to drain")
}

func TestSessionCloseIsFinal(t *testing.T) {
	stub := newTransportStub()
	session := NewSessionController(dialTo(stub))

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("expected a second close to be a no-op, got %v", err)
	}
	if !stub.isClosed() {
		t.Fatalf("expected the transport to be released on close")
	}
	if err := session.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
