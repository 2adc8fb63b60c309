// Package polling implements the HTTP fallback transport. One exchange is
// one multipart submission (or text chat call) followed by a poll loop that
// drains synthesized audio fragments and the cumulative response text until
// the server reports the utterance complete. Events come out on the same
// ordered stream contract the duplex transport uses, so the rest of the
// pipeline cannot tell the variants apart.
package polling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/empathai/voicechat-go/core/protocol"
	"github.com/empathai/voicechat-go/core/transport"
)

// DefaultPollInterval is the delay between successive chunk polls while a
// response is being produced.
const DefaultPollInterval = 100 * time.Millisecond

const eventBufferSize = 16

// Client approximates streaming over plain HTTP. Exchanges are serialized:
// a send while a previous response is still being polled fails with
// transport.ErrResponseInFlight instead of interleaving two utterances on
// one event stream.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	pollInterval time.Duration
	useRAG       bool

	sessionMu sync.Mutex
	sessionID string

	events chan protocol.InboundEvent
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	inFlight  atomic.Bool

	workerMu       sync.Mutex
	cancelExchange context.CancelFunc
	workers        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

type connectOptions struct {
	sessionID    string
	pollInterval time.Duration
	httpClient   *http.Client
	useRAG       bool
}

// ConnectOption adjusts how the polling transport is configured.
type ConnectOption func(*connectOptions)

// WithSessionID resumes an existing server-side session instead of
// generating a fresh identifier.
func WithSessionID(id string) ConnectOption {
	return func(o *connectOptions) {
		o.sessionID = id
	}
}

// WithPollInterval overrides the delay between audio-chunk polls.
func WithPollInterval(interval time.Duration) ConnectOption {
	return func(o *connectOptions) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(client *http.Client) ConnectOption {
	return func(o *connectOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithRAGDisabled turns off retrieval-augmented generation for audio
// submissions. Typed text carries its own flag on each message.
func WithRAGDisabled() ConnectOption {
	return func(o *connectOptions) {
		o.useRAG = false
	}
}

// Connect builds a polling transport against serverURL and verifies the
// server is reachable. The session identifier is client-generated; the
// server may reassign it on the first exchange, in which case the client
// adopts the assigned one.
func Connect(ctx context.Context, serverURL string, opts ...ConnectOption) (*Client, error) {
	ctx, span := tracer.Start(ctx, "connect polling transport")
	defer span.End()

	options := connectOptions{
		sessionID:    uuid.NewString(),
		pollInterval: DefaultPollInterval,
		useRAG:       true,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(&options)
	}

	parsed, err := url.Parse(serverURL)
	if err != nil {
		err = fmt.Errorf("invalid server url %q: %w", serverURL, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		err = fmt.Errorf("invalid server url %q: unsupported scheme %q", serverURL, parsed.Scheme)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", options.sessionID))

	client := &Client{
		baseURL:      parsed,
		httpClient:   options.httpClient,
		pollInterval: options.pollInterval,
		useRAG:       options.useRAG,
		sessionID:    options.sessionID,
		events:       make(chan protocol.InboundEvent, eventBufferSize),
		done:         make(chan struct{}),
	}

	var health struct {
		Message string `json:"message"`
	}
	if err := client.doJSON(ctx, http.MethodGet, "/", nil, &health); err != nil {
		err = fmt.Errorf("failed to reach voice-chat server at %s: %w", serverURL, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// The events channel closes only after every exchange worker has
	// stopped publishing.
	go func() {
		<-client.done
		client.workers.Wait()
		close(client.events)
	}()

	logger.InfoContext(ctx, "Polling transport connected", "server", serverURL, "session_id", options.sessionID)
	return client, nil
}

// Events returns the stream of synthesized events. The channel is closed
// when the transport terminates; consult Err to distinguish a poll failure
// from a clean shutdown.
func (c *Client) Events() <-chan protocol.InboundEvent {
	return c.events
}

// SendText runs one text exchange: the chat call, then synthesis of the
// complete reply audio, delivered as a single legacy response event. It
// returns once the exchange is accepted; the response arrives on Events.
func (c *Client) SendText(ctx context.Context, msg protocol.TextInputMessage) error {
	return c.startExchange(ctx, "text exchange", func(ctx context.Context, span trace.Span) {
		c.runTextExchange(ctx, span, msg)
	})
}

// SendAudio submits one complete recorded utterance and polls the streamed
// response until the server finishes processing it. It returns once the
// submission worker is started; transcription, text deltas and audio
// fragments arrive on Events.
func (c *Client) SendAudio(ctx context.Context, audio []byte) error {
	return c.startExchange(ctx, "voice exchange", func(ctx context.Context, span trace.Span) {
		c.runVoiceExchange(ctx, span, audio)
	})
}

// ClearSession drops the server-side conversation state for this session.
func (c *Client) ClearSession(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "clear session")
	defer span.End()

	if c.closed.Load() {
		return transport.ErrNotConnected
	}

	var cleared struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/api/clear_session", c.sessionQuery(), &cleared); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// AbortResponse asks the server to stop synthesizing the in-flight
// response. The active poll loop then terminates on the next poll that
// reports processing finished.
func (c *Client) AbortResponse(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "abort in-flight response")
	defer span.End()

	if c.closed.Load() {
		return transport.ErrNotConnected
	}

	var stopped struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/stop_session", c.sessionQuery(), &stopped); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// History fetches the server-side conversation record for this session.
func (c *Client) History(ctx context.Context) ([]transport.HistoryMessage, error) {
	ctx, span := tracer.Start(ctx, "fetch session history")
	defer span.End()

	if c.closed.Load() {
		return nil, transport.ErrNotConnected
	}

	var history struct {
		SessionID string                     `json:"session_id"`
		Messages  []transport.HistoryMessage `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/session_history", c.sessionQuery(), &history); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("history.messages", len(history.Messages)))
	return history.Messages, nil
}

// SessionID returns the identifier the server tracks this conversation
// under.
func (c *Client) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// Close terminates the transport: the in-flight exchange is cancelled and
// the events channel closes once its worker drains out. Close is idempotent
// and always returns nil.
func (c *Client) Close() error {
	c.terminate()
	return nil
}

// Err reports why the transport terminated. It returns nil while the
// transport is live and after a clean Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.workerMu.Lock()
		cancel := c.cancelExchange
		c.workerMu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(c.done)
	})
}

// startExchange acquires the single-exchange slot and runs the exchange in
// a worker goroutine. The worker is detached from the caller's context so
// it survives the send call, but stays linked to its trace span.
func (c *Client) startExchange(ctx context.Context, name string, run func(context.Context, trace.Span)) error {
	if c.closed.Load() {
		return transport.ErrNotConnected
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return transport.ErrResponseInFlight
	}

	_, span := tracer.Start(ctx, name)
	workerCtx, cancel := context.WithCancel(trace.ContextWithSpan(context.Background(), span))
	c.workerMu.Lock()
	c.cancelExchange = cancel
	c.workerMu.Unlock()

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer span.End()
		defer func() {
			cancel()
			c.workerMu.Lock()
			c.cancelExchange = nil
			c.workerMu.Unlock()
			c.inFlight.Store(false)
		}()
		defer func() {
			if recovered := recover(); recovered != nil {
				err := fmt.Errorf("%s worker panicked: %v", name, recovered)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				logger.Error("Exchange worker panicked", "exchange", name, "error", err)
			}
		}()

		run(workerCtx, span)
	}()
	return nil
}

func (c *Client) runTextExchange(ctx context.Context, span trace.Span, msg protocol.TextInputMessage) {
	span.SetAttributes(attribute.Bool("request.use_rag", msg.UseRAG))

	query := c.sessionQuery()
	query.Set("text", msg.Text)
	query.Set("use_rag", strconv.FormatBool(msg.UseRAG))

	var chat struct {
		SessionID      string  `json:"session_id"`
		Response       string  `json:"response"`
		ProcessingTime float64 `json:"processing_time"`
		ContextUsed    bool    `json:"context_used"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat", query, &chat); err != nil {
		c.reportExchangeError(ctx, span, fmt.Errorf("text exchange failed: %w", err))
		return
	}
	c.adoptSessionID(chat.SessionID)
	span.SetAttributes(attribute.Float64("response.processing_time", chat.ProcessingTime))

	// The reply text is still worth delivering when synthesis fails; the
	// event just carries no audio fragment.
	audio, err := c.fetchSynthesizedAudio(ctx, chat.Response)
	if err != nil && ctx.Err() == nil {
		logger.WarnContext(ctx, "Failed to synthesize reply audio", "error", err)
		span.RecordError(err)
	}

	c.publish(protocol.LegacyResponseEvent{Text: chat.Response, Audio: audio, Format: "wav"})
}

func (c *Client) fetchSynthesizedAudio(ctx context.Context, text string) ([]byte, error) {
	query := c.sessionQuery()
	query.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/audio_response", query), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build audio_response request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio_response request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("audio_response failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) runVoiceExchange(ctx context.Context, span trace.Span, audio []byte) {
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))

	submitted, err := c.submitUtterance(ctx, audio)
	if err != nil {
		c.reportExchangeError(ctx, span, fmt.Errorf("failed to submit recorded utterance: %w", err))
		return
	}
	c.adoptSessionID(submitted.SessionID)

	if submitted.Status != "" {
		if !c.publish(protocol.StatusEvent{Status: submitted.Status}) {
			return
		}
	}
	if !c.publish(protocol.TranscriptionEvent{Text: submitted.Transcription}) {
		return
	}

	c.pollResponse(ctx, span)
}

type submitResponse struct {
	SessionID     string `json:"session_id"`
	Transcription string `json:"transcription"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

func (c *Client) submitUtterance(ctx context.Context, audio []byte) (*submitResponse, error) {
	ctx, span := tracer.Start(ctx, "submit recorded utterance")
	defer span.End()

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("audio", "utterance.wav")
	if err == nil {
		_, err = part.Write(audio)
	}
	if err == nil {
		err = form.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode multipart payload: %w", err)
	}

	query := c.sessionQuery()
	query.Set("use_rag", strconv.FormatBool(c.useRAG))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/stream_voice_chat", query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream_voice_chat request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("stream_voice_chat request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		err = fmt.Errorf("stream_voice_chat failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		span.RecordError(err)
		return nil, err
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return nil, fmt.Errorf("failed to decode stream_voice_chat response: %w", err)
	}
	return &submitted, nil
}

type chunkPage struct {
	SessionID     string   `json:"session_id"`
	Chunks        int      `json:"chunks"`
	IsProcessing  bool     `json:"is_processing"`
	ResponseSoFar string   `json:"response_so_far"`
	ChunksData    []string `json:"chunks_data"`
}

// pollResponse drains the streamed response: each cycle emits the text
// produced since the previous poll followed by that poll's audio fragments,
// fully, before the next cycle is issued. A poll failure is terminal for
// the transport; the exchange cannot recover a lost cursor.
func (c *Client) pollResponse(ctx context.Context, span trace.Span) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	started := false
	begin := func() bool {
		if started {
			return true
		}
		started = true
		return c.publish(protocol.ResponseStartedEvent{})
	}

	seen := ""
	fragments := 0
	polls := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var page chunkPage
		if err := c.doJSON(ctx, http.MethodGet, "/api/get_audio_chunks", c.sessionQuery(), &page); err != nil {
			if ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("poll cycle failed: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.setErr(err)
			c.terminate()
			return
		}
		polls++

		delta, ok := strings.CutPrefix(page.ResponseSoFar, seen)
		if !ok {
			logger.WarnContext(ctx, "Cumulative response no longer extends the seen text, replacing it",
				"seen_bytes", len(seen), "received_bytes", len(page.ResponseSoFar))
			delta = page.ResponseSoFar
		}
		if delta != "" {
			if !begin() {
				return
			}
			if !c.publish(protocol.ResponseChunkEvent{Text: delta}) {
				return
			}
		}
		seen = page.ResponseSoFar

		for _, encoded := range page.ChunksData {
			fragment, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				logger.WarnContext(ctx, "Discarding undecodable audio chunk", "error", err)
				continue
			}
			if !begin() {
				return
			}
			if !c.publish(protocol.ResponseChunkEvent{Audio: fragment, Format: "wav", ChunkIndex: fragments}) {
				return
			}
			fragments++
		}

		if !page.IsProcessing {
			if started && !c.publish(protocol.ResponseChunkEvent{End: true}) {
				return
			}
			span.SetAttributes(
				attribute.Int("poll.cycles", polls),
				attribute.Int("response.audio_fragments", fragments),
			)
			return
		}
	}
}

// reportExchangeError surfaces a failed exchange on the event stream as a
// non-fatal error; a cancelled exchange is dropped silently.
func (c *Client) reportExchangeError(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil {
		logger.DebugContext(ctx, "Exchange abandoned", "error", err)
		return
	}
	logger.WarnContext(ctx, "Exchange failed", "error", err)
	c.publish(protocol.ErrorEvent{Message: err.Error()})
}

func (c *Client) publish(event protocol.InboundEvent) bool {
	select {
	case c.events <- event:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) adoptSessionID(id string) {
	if id == "" {
		return
	}
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if id != c.sessionID {
		logger.Debug("Adopting server-assigned session id", "session_id", id)
		c.sessionID = id
	}
}

func (c *Client) sessionQuery() url.Values {
	query := url.Values{}
	if id := c.SessionID(); id != "" {
		query.Set("session_id", id)
	}
	return query
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String()
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request to %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
