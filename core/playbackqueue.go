package voicechat

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/empathai/voicechat-go/core/audio"
)

// PlaybackSink renders one decoded PCM fragment. Play blocks until the
// fragment has been rendered in full or ctx is cancelled; honoring the
// cancellation promptly is what lets session resets abandon playback.
type PlaybackSink interface {
	Play(ctx context.Context, pcm []byte, info audio.EncodingInfo) error
}

// PlaybackState reports what the queue's consumer is doing right now.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackDecoding
	PlaybackPlaying
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackDecoding:
		return "decoding"
	case PlaybackPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

type playbackCallbacks struct {
	onFragmentPlayed func()
	onDrained        func()
}

// PlaybackQueueOption adjusts a queue at construction time.
type PlaybackQueueOption func(*playbackCallbacks)

// WithFragmentPlayedCallback registers a callback invoked after each
// fragment that plays out in full. Skipped and abandoned fragments do not
// trigger it.
func WithFragmentPlayedCallback(callback func()) PlaybackQueueOption {
	return func(c *playbackCallbacks) {
		c.onFragmentPlayed = callback
	}
}

// WithQueueDrainedCallback registers a callback invoked whenever the queue
// finishes its last queued fragment. A response that streams in slowly can
// drain more than once, so this marks "nothing left to play right now",
// not the end of an utterance.
func WithQueueDrainedCallback(callback func()) PlaybackQueueOption {
	return func(c *playbackCallbacks) {
		c.onDrained = callback
	}
}

// AudioPlaybackQueue renders encoded audio fragments strictly in arrival
// order. Enqueue never blocks; a single consumer goroutine pops the head,
// decodes it and plays it to completion before touching the next one, so
// at most one fragment is ever mid-flight. A fragment that fails to decode
// is logged and skipped without stalling its successors.
//
// Reset discards everything, including the fragment currently being
// decoded or played, and is safe to call at any time.
type AudioPlaybackQueue struct {
	sink      PlaybackSink
	callbacks playbackCallbacks

	mu         sync.Mutex
	fragments  [][]byte
	state      PlaybackState
	epoch      uint64
	cancelPlay context.CancelFunc

	updateSignal chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
}

func NewAudioPlaybackQueue(sink PlaybackSink, opts ...PlaybackQueueOption) *AudioPlaybackQueue {
	q := &AudioPlaybackQueue{
		sink:         sink,
		updateSignal: make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&q.callbacks)
	}

	go q.consume()
	return q
}

// Enqueue appends one encoded fragment to the tail of the queue. It always
// succeeds, including while another fragment is playing.
func (q *AudioPlaybackQueue) Enqueue(fragment []byte) {
	select {
	case <-q.closeCh:
		logger.Debug("Dropping audio fragment enqueued after close", "bytes", len(fragment))
		return
	default:
	}

	q.mu.Lock()
	q.fragments = append(q.fragments, fragment)
	q.mu.Unlock()
	q.signalUpdate()
}

// Reset discards all queued fragments, abandons the in-flight decode or
// playback, and returns the queue to idle. Safe to call at any time and
// idempotent.
func (q *AudioPlaybackQueue) Reset() {
	q.mu.Lock()
	q.fragments = nil
	q.epoch++
	if q.cancelPlay != nil {
		q.cancelPlay()
		q.cancelPlay = nil
	}
	q.state = PlaybackIdle
	q.mu.Unlock()
}

// Close resets the queue and stops its consumer. It blocks until the
// consumer has drained out, which requires the sink to honor cancellation.
func (q *AudioPlaybackQueue) Close() {
	q.closeOnce.Do(func() {
		q.Reset()
		close(q.closeCh)
	})
	<-q.done
}

// State reports the consumer's current phase.
func (q *AudioPlaybackQueue) State() PlaybackState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len reports how many fragments are queued. The fragment currently being
// decoded or played is owned by the consumer and not counted.
func (q *AudioPlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fragments)
}

// consume is the queue's only consumer. Fragments pop strictly FIFO and
// each is fully dealt with, played, skipped or abandoned, before the next
// is touched.
func (q *AudioPlaybackQueue) consume() {
	defer close(q.done)

	for {
		fragment, ctx, cancel, epoch, ok := q.next()
		if !ok {
			return
		}
		q.renderFragment(ctx, fragment, epoch)
		cancel()
		q.finishFragment(epoch)
	}
}

// next blocks until a fragment is available or the queue closes. Popping
// and the transition to Decoding happen under one lock acquisition so the
// state never observes a popped-but-idle gap.
func (q *AudioPlaybackQueue) next() (fragment []byte, ctx context.Context, cancel context.CancelFunc, epoch uint64, ok bool) {
	for {
		q.mu.Lock()
		if len(q.fragments) > 0 {
			fragment = q.fragments[0]
			q.fragments = q.fragments[1:]
			ctx, cancel = context.WithCancel(context.Background())
			q.cancelPlay = cancel
			q.state = PlaybackDecoding
			epoch = q.epoch
			q.mu.Unlock()
			return fragment, ctx, cancel, epoch, true
		}
		q.mu.Unlock()

		select {
		case <-q.closeCh:
			return nil, nil, nil, 0, false
		case <-q.updateSignal:
		}
	}
}

func (q *AudioPlaybackQueue) renderFragment(ctx context.Context, fragment []byte, epoch uint64) {
	ctx, span := tracer.Start(ctx, "render audio fragment")
	defer span.End()
	span.SetAttributes(attribute.Int("fragment.bytes", len(fragment)))

	pcm, info, err := audio.DecodeWAV(fragment)
	if err != nil {
		// A corrupt fragment is skipped so it never blocks its successors.
		logger.Warn("Skipping audio fragment that failed to decode", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Float64("fragment.duration_seconds", info.Duration(len(pcm)).Seconds()))

	if ctx.Err() != nil || !q.transition(epoch, PlaybackPlaying) {
		span.AddEvent("abandoned before playback")
		return
	}

	if err := q.sink.Play(ctx, pcm, info); err != nil {
		if ctx.Err() != nil {
			span.AddEvent("playback abandoned")
			return
		}
		logger.Warn("Failed to play audio fragment", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if q.callbacks.onFragmentPlayed != nil {
		q.callbacks.onFragmentPlayed()
	}
}

// transition moves the consumer to state unless a reset has superseded the
// fragment it is working on.
func (q *AudioPlaybackQueue) transition(epoch uint64, state PlaybackState) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if epoch != q.epoch {
		return false
	}
	q.state = state
	return true
}

func (q *AudioPlaybackQueue) finishFragment(epoch uint64) {
	q.mu.Lock()
	q.cancelPlay = nil
	current := epoch == q.epoch
	if current {
		q.state = PlaybackIdle
	}
	drained := current && len(q.fragments) == 0
	q.mu.Unlock()

	if drained && q.callbacks.onDrained != nil {
		q.callbacks.onDrained()
	}
}

func (q *AudioPlaybackQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
