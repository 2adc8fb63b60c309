// Package portaudio renders and captures session audio through the
// PortAudio library, as an alternative to the miniaudio device layer.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/empathai/voicechat-go/core/audio"
)

// DefaultFramesPerBuffer is the stream buffer size used when the caller does
// not pick one.
const DefaultFramesPerBuffer = 512

// Client drives a pair of blocking PortAudio streams, one for playback and
// one for capture. Streams are opened lazily on first use.
type Client struct {
	bufferSize int

	playMu   sync.Mutex
	playback *portaudio.Stream
	playRate int
	out      []int16

	captureMu   sync.Mutex
	capture     *portaudio.Stream
	capturing   atomic.Bool
	captureDone chan struct{}
	in          []int16
}

func NewClient(bufferSize int) (*Client, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultFramesPerBuffer
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	return &Client{bufferSize: bufferSize}, nil
}

// Play submits one PCM fragment and blocks until the stream has consumed it
// or ctx is canceled.
func (c *Client) Play(ctx context.Context, pcm []byte, info audio.EncodingInfo) error {
	if info.IsZero() {
		info = audio.GetDefaultEncodingInfo()
	}
	if info.Format != audio.EncodingLinear16 {
		return fmt.Errorf("unsupported playback format %q", info.Format.Name())
	}

	c.playMu.Lock()
	defer c.playMu.Unlock()

	if err := c.ensurePlaybackLocked(info.SampleRate); err != nil {
		return err
	}

	frameBytes := c.bufferSize * 2
	for offset := 0; offset < len(pcm); offset += frameBytes {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := pcm[offset:min(offset+frameBytes, len(pcm))]
		if len(chunk) < frameBytes {
			// The last buffer is padded out with silence.
			padded := make([]byte, frameBytes)
			copy(padded, chunk)
			chunk = padded
		}
		if err := binary.Read(bytes.NewReader(chunk), binary.LittleEndian, c.out); err != nil {
			return fmt.Errorf("failed to stage playback buffer: %w", err)
		}
		if err := c.playback.Write(); err != nil {
			return fmt.Errorf("failed to write to playback stream: %w", err)
		}
	}

	return nil
}

// ensurePlaybackLocked reopens the playback stream when a fragment arrives
// at a different sample rate. Fragments render one at a time, so the swap
// always happens between submissions.
func (c *Client) ensurePlaybackLocked(sampleRate int) error {
	if sampleRate == 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if c.playback != nil && sampleRate == c.playRate {
		return nil
	}
	if c.playback != nil {
		_ = c.playback.Close()
		c.playback = nil
	}

	out := make([]int16, c.bufferSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), c.bufferSize, out)
	if err != nil {
		return fmt.Errorf("failed to open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("failed to start playback stream: %w", err)
	}

	c.out = out
	c.playback = stream
	c.playRate = sampleRate
	return nil
}

// StartCapture begins delivering microphone frames to onFrame.
func (c *Client) StartCapture(_ context.Context, onFrame func(frame []byte)) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if c.capturing.Load() {
		return nil
	}

	if c.capture == nil {
		in := make([]int16, c.bufferSize)
		stream, err := portaudio.OpenDefaultStream(1, 0, float64(audio.DefaultSampleRate), c.bufferSize, in)
		if err != nil {
			return fmt.Errorf("failed to open capture stream: %w", err)
		}
		c.in = in
		c.capture = stream
	}
	if err := c.capture.Start(); err != nil {
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	c.capturing.Store(true)
	done := make(chan struct{})
	c.captureDone = done
	go c.captureLoop(onFrame, done)
	return nil
}

func (c *Client) captureLoop(onFrame func(frame []byte), done chan struct{}) {
	defer close(done)

	for c.capturing.Load() {
		// Read blocks until a full buffer is available; stopping the stream
		// aborts it.
		if err := c.capture.Read(); err != nil {
			return
		}

		buf := bytes.Buffer{}
		_ = binary.Write(&buf, binary.LittleEndian, c.in)
		onFrame(buf.Bytes())
	}
}

func (c *Client) StopCapture() error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if !c.capturing.Load() {
		return nil
	}

	c.capturing.Store(false)
	err := c.capture.Stop()
	<-c.captureDone
	if err != nil {
		return fmt.Errorf("failed to stop capture stream: %w", err)
	}
	return nil
}

// EncodingInfo describes the microphone stream.
func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{
		SampleRate: audio.DefaultSampleRate,
		Format:     audio.EncodingLinear16,
	}
}

func (c *Client) Close() {
	_ = c.StopCapture()

	c.captureMu.Lock()
	if c.capture != nil {
		_ = c.capture.Close()
		c.capture = nil
	}
	c.captureMu.Unlock()

	c.playMu.Lock()
	if c.playback != nil {
		_ = c.playback.Close()
		c.playback = nil
	}
	c.playMu.Unlock()

	portaudio.Terminate()
}
