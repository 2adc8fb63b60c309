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
)

var (
	// ErrNoCaptureSource is returned when recording is requested without a
	// configured microphone source.
	ErrNoCaptureSource = errors.New("no capture source configured")
	// ErrAlreadyRecording is returned by Start while a capture is running.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when no capture is running.
	ErrNotRecording = errors.New("not recording")
	// ErrNoAudioCaptured is returned by Stop when the capture produced no
	// frames, so there is nothing worth submitting.
	ErrNoAudioCaptured = errors.New("no audio captured")
)

// CaptureSource is a microphone-style input. StartCapture begins delivering
// raw PCM frames to onFrame and returns once capture is running, or fails
// without leaving capture active; StopCapture halts delivery. EncodingInfo
// describes the delivered frames.
type CaptureSource interface {
	EncodingInfo() audio.EncodingInfo
	StartCapture(ctx context.Context, onFrame func(frame []byte)) error
	StopCapture() error
}

type recordingOptions struct {
	onFrame func(frame []byte)
}

// RecordingOption adjusts a recording controller at construction time.
type RecordingOption func(*recordingOptions)

// WithCaptureFrameCallback registers a callback that receives each raw PCM
// frame while a capture is running, in addition to the accumulated blob. The
// slice is passed through as-is and must not be retained across calls.
func WithCaptureFrameCallback(callback func(frame []byte)) RecordingOption {
	return func(o *recordingOptions) {
		o.onFrame = callback
	}
}

// RecordingController captures one user utterance from a microphone source
// and turns it into a single WAV blob on stop. The server transcribes each
// submission as one complete utterance, so frames accumulate here rather
// than being sent as they arrive.
type RecordingController struct {
	source  CaptureSource
	options recordingOptions

	mu        sync.Mutex
	recording bool
	pcm       []byte
}

func NewRecordingController(source CaptureSource, opts ...RecordingOption) *RecordingController {
	r := &RecordingController{source: source}
	for _, opt := range opts {
		opt(&r.options)
	}
	return r
}

// Start begins capturing microphone frames. A capture that fails to start
// leaves no partial state behind.
func (r *RecordingController) Start(ctx context.Context) error {
	_, span := tracer.Start(ctx, "start recording")
	defer span.End()

	if r.source == nil {
		span.RecordError(ErrNoCaptureSource)
		span.SetStatus(codes.Error, ErrNoCaptureSource.Error())
		return ErrNoCaptureSource
	}

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.recording = true
	r.pcm = r.pcm[:0]
	r.mu.Unlock()

	if err := r.source.StartCapture(ctx, r.capture); err != nil {
		r.mu.Lock()
		r.recording = false
		r.pcm = nil
		r.mu.Unlock()

		err = fmt.Errorf("failed to start audio capture: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger.InfoContext(ctx, "Recording started")
	return nil
}

// Stop halts the capture and returns the whole recording as one WAV blob,
// ready for submission over either transport.
func (r *RecordingController) Stop(ctx context.Context) ([]byte, error) {
	_, span := tracer.Start(ctx, "stop recording")
	defer span.End()

	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.recording = false
	pcm := r.pcm
	r.pcm = nil
	r.mu.Unlock()

	if err := r.source.StopCapture(); err != nil {
		logger.WarnContext(ctx, "Failed to stop audio capture", "error", err)
		span.RecordError(err)
	}

	if len(pcm) == 0 {
		span.AddEvent("capture produced no frames")
		return nil, ErrNoAudioCaptured
	}

	info := r.source.EncodingInfo()
	span.SetAttributes(
		attribute.Int("capture.pcm_bytes", len(pcm)),
		attribute.Float64("capture.duration_seconds", info.Duration(len(pcm)).Seconds()),
	)

	blob, err := audio.EncodeWAV(pcm, info)
	if err != nil {
		err = fmt.Errorf("failed to encode recorded utterance: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return blob, nil
}

// Abort discards the capture in progress, if any, without producing a blob.
// Safe to call at any time.
func (r *RecordingController) Abort() {
	r.mu.Lock()
	wasRecording := r.recording
	r.recording = false
	r.pcm = nil
	r.mu.Unlock()

	if wasRecording {
		if err := r.source.StopCapture(); err != nil {
			logger.Warn("Failed to stop audio capture", "error", err)
		}
	}
}

// Recording reports whether a capture is currently running.
func (r *RecordingController) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Captured reports how much audio the running capture holds so far.
func (r *RecordingController) Captured() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.source == nil {
		return 0
	}
	return r.source.EncodingInfo().Duration(len(r.pcm))
}

func (r *RecordingController) capture(frame []byte) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.pcm = append(r.pcm, frame...)
	r.mu.Unlock()

	if r.options.onFrame != nil {
		r.options.onFrame(frame)
	}
}
