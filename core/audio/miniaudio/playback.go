package miniaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/empathai/voicechat-go/core/audio"
)

// playbackClient feeds a malgo playback device from a pending PCM buffer.
// The device callback drains the buffer at its own pace; a render mark
// placed behind a submission fires once every byte before it has been handed
// to the device.
type playbackClient struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig
	deviceRate   int

	pending []byte
	marks   []renderMark

	mu    sync.Mutex
	bufMu sync.Mutex
}

type renderMark struct {
	remaining int
	rendered  chan struct{}
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.audioContext = audioContext
	return c.initDeviceLocked(audio.DefaultSampleRate)
}

func (c *playbackClient) initDeviceLocked(sampleRate int) error {
	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = uint32(sampleRate)
	c.config.Playback.Format = malgo.FormatS16
	c.config.Playback.Channels = 1
	c.config.Alsa.NoMMap = 1
	c.config.PeriodSizeInFrames = uint32(sampleRate / 10) // ~100ms of audio
	c.config.Periods = 4

	device, err := malgo.InitDevice(
		c.audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.renderAudio},
	)
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	// The device stays started for the lifetime of the client; it renders
	// silence while the pending buffer is empty.
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	c.device = device
	c.deviceRate = sampleRate
	return nil
}

// ensureRate swaps the device out when a fragment arrives at a different
// sample rate. Fragments render one at a time, so the swap always happens
// between submissions.
func (c *playbackClient) ensureRate(sampleRate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}
	if sampleRate == 0 || sampleRate == c.deviceRate {
		return nil
	}

	c.device.Uninit()
	c.device = nil
	return c.initDeviceLocked(sampleRate)
}

// Play submits one PCM fragment and blocks until the device has consumed it
// or ctx is canceled. Cancellation drops whatever has not been rendered yet.
func (c *playbackClient) Play(ctx context.Context, pcm []byte, info audio.EncodingInfo) error {
	if info.IsZero() {
		info = audio.GetDefaultEncodingInfo()
	}
	if info.Format != audio.EncodingLinear16 {
		return fmt.Errorf("unsupported playback format %q", info.Format.Name())
	}
	if err := c.ensureRate(info.SampleRate); err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	rendered := make(chan struct{})
	c.bufMu.Lock()
	c.pending = append(c.pending, pcm...)
	c.marks = append(c.marks, renderMark{remaining: len(c.pending), rendered: rendered})
	c.bufMu.Unlock()

	select {
	case <-rendered:
		return nil
	case <-ctx.Done():
		c.clearBuffer()
		return ctx.Err()
	}
}

// clearBuffer drops audio that has not reached the device yet, together with
// the marks behind it.
func (c *playbackClient) clearBuffer() {
	c.bufMu.Lock()
	c.pending = nil
	c.marks = nil
	c.bufMu.Unlock()
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.clearBuffer()
	return nil
}

func (c *playbackClient) renderAudio(pOutput, _ []byte, _ uint32) {
	consumed := 0

	c.bufMu.Lock()
	if len(c.pending) > 0 {
		consumed = copy(pOutput, c.pending)
		c.pending = c.pending[consumed:]
		if len(c.pending) == 0 {
			c.pending = nil
		}
	}
	fired := c.advanceMarksLocked(consumed)
	c.bufMu.Unlock()

	if len(fired) > 0 {
		// Waiters are released off the device's audio thread.
		go func() {
			for _, rendered := range fired {
				close(rendered)
			}
		}()
	}
}

func (c *playbackClient) advanceMarksLocked(consumed int) []chan struct{} {
	var fired []chan struct{}
	kept := c.marks[:0]
	for _, mark := range c.marks {
		mark.remaining -= consumed
		if mark.remaining <= 0 {
			fired = append(fired, mark.rendered)
		} else {
			kept = append(kept, mark)
		}
	}
	c.marks = kept
	if len(c.marks) == 0 {
		c.marks = nil
	}
	return fired
}
