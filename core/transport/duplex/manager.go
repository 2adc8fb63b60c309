// Package duplex implements the persistent websocket transport. A single
// connection carries JSON control messages out, JSON events in, and binary
// frames for recorded audio, so responses stream in while the user keeps
// talking.
package duplex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/empathai/voicechat-go/core/protocol"
	"github.com/empathai/voicechat-go/core/transport"
)

const (
	eventBufferSize  = 16
	closeGracePeriod = 10 * time.Second
)

// ConnectionManager owns one websocket connection to the voice-chat server.
// A dedicated goroutine reads frames for the lifetime of the connection and
// publishes decoded events in arrival order; writers are serialized through
// an internal mutex so it is safe to send from multiple goroutines.
type ConnectionManager struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	clientID string

	events chan protocol.InboundEvent
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

type connectOptions struct {
	clientID string
	dialer   *websocket.Dialer
	header   http.Header
}

// ConnectOption adjusts how the duplex channel is established.
type ConnectOption func(*connectOptions)

// WithClientID overrides the generated client identifier that names the
// server-side session.
func WithClientID(id string) ConnectOption {
	return func(o *connectOptions) {
		o.clientID = id
	}
}

// WithDialer replaces the default websocket dialer, e.g. to tune handshake
// timeouts or TLS configuration.
func WithDialer(dialer *websocket.Dialer) ConnectOption {
	return func(o *connectOptions) {
		o.dialer = dialer
	}
}

// WithHandshakeHeader attaches extra HTTP headers to the websocket upgrade
// request.
func WithHandshakeHeader(header http.Header) ConnectOption {
	return func(o *connectOptions) {
		o.header = header
	}
}

// Connect dials the server's websocket endpoint and starts the read loop.
// serverURL may use an http(s) or ws(s) scheme; the /ws/{client_id} path is
// appended to it.
func Connect(ctx context.Context, serverURL string, opts ...ConnectOption) (*ConnectionManager, error) {
	ctx, span := tracer.Start(ctx, "connect duplex transport")
	defer span.End()

	options := connectOptions{
		clientID: uuid.NewString(),
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&options)
	}
	span.SetAttributes(attribute.String("client.id", options.clientID))

	endpoint, err := websocketURL(serverURL, options.clientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conn, _, err := options.dialer.DialContext(ctx, endpoint, options.header)
	if err != nil {
		err = fmt.Errorf("failed to open websocket connection to %s: %w", endpoint, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	manager := &ConnectionManager{
		conn:     conn,
		clientID: options.clientID,
		events:   make(chan protocol.InboundEvent, eventBufferSize),
		done:     make(chan struct{}),
	}
	go manager.readLoop()

	logger.InfoContext(ctx, "Duplex transport connected", "endpoint", endpoint)
	return manager, nil
}

func websocketURL(serverURL, clientID string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}

	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme %q", serverURL, parsed.Scheme)
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/" + clientID
	return parsed.String(), nil
}

// readLoop is the connection's only reader. Every inbound frame is decoded
// and published in arrival order; the events channel is closed once the
// connection terminates for any reason.
func (m *ConnectionManager) readLoop() {
	defer close(m.events)

	for {
		messageType, data, err := m.conn.ReadMessage()
		if err != nil {
			if !m.closed.Load() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.setErr(fmt.Errorf("websocket read failed: %w", err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			event, err := protocol.DecodeInbound(data)
			if err != nil {
				logger.Warn("Received malformed server frame", "error", err)
				event = protocol.StatusEvent{Status: "received malformed server message"}
			}
			if !m.publish(event) {
				return
			}
		case websocket.BinaryMessage:
			logger.Warn("Ignoring unexpected binary frame from server", "bytes", len(data))
		}
	}
}

func (m *ConnectionManager) publish(event protocol.InboundEvent) bool {
	select {
	case m.events <- event:
		return true
	case <-m.done:
		return false
	}
}

// Events returns the stream of decoded server events. The channel is closed
// when the connection terminates; consult Err to distinguish failure from a
// clean shutdown.
func (m *ConnectionManager) Events() <-chan protocol.InboundEvent {
	return m.events
}

// SendText submits a typed-text turn over the socket.
func (m *ConnectionManager) SendText(ctx context.Context, msg protocol.TextInputMessage) error {
	_, span := tracer.Start(ctx, "send text input")
	defer span.End()

	if err := m.writeJSON(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// SendAudio submits one complete recorded utterance as a single binary
// frame. The server transcribes each frame independently, so audio must not
// be split across multiple calls.
func (m *ConnectionManager) SendAudio(ctx context.Context, audio []byte) error {
	_, span := tracer.Start(ctx, "send recorded utterance")
	defer span.End()
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))

	if err := m.writeMessage(websocket.BinaryMessage, audio); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// ClearSession asks the server to drop the conversation history for this
// client.
func (m *ConnectionManager) ClearSession(ctx context.Context) error {
	_, span := tracer.Start(ctx, "clear session")
	defer span.End()

	if err := m.writeJSON(protocol.NewClearSession()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// SessionID returns the client identifier the connection was established
// with.
func (m *ConnectionManager) SessionID() string {
	return m.clientID
}

func (m *ConnectionManager) writeJSON(msg any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.closed.Load() {
		return transport.ErrNotConnected
	}
	if err := m.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

func (m *ConnectionManager) writeMessage(messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.closed.Load() {
		return transport.ErrNotConnected
	}
	if err := m.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

// Close shuts the connection down. It sends a close frame on a best-effort
// basis, then tears down the socket so the read loop drains out. Close is
// idempotent and always returns nil.
func (m *ConnectionManager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)

		m.writeMu.Lock()
		deadline := time.Now().Add(closeGracePeriod)
		if err := m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
			logger.Debug("Failed to send websocket close frame", "error", err)
		}
		m.writeMu.Unlock()

		if err := m.conn.Close(); err != nil {
			logger.Warn("Failed to close websocket", "error", err)
		}
	})
	return nil
}

// Err reports why the connection terminated. It returns nil while the
// connection is live and after a clean shutdown.
func (m *ConnectionManager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *ConnectionManager) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err == nil {
		m.err = err
	}
}
