// Command empath-chat is an interactive terminal client for an EmpathAI
// voice-chat server. It connects over the websocket channel by default, or
// over the HTTP polling fallback with -poll, and drives a full duplex
// conversation: typed text, push-to-talk voice turns and streamed spoken
// replies.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	voicechat "github.com/empathai/voicechat-go/core"
	"github.com/empathai/voicechat-go/core/audio/miniaudio"
	"github.com/empathai/voicechat-go/core/transport/polling"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8000", "voice-chat server URL")
	usePolling := flag.Bool("poll", false, "use the HTTP polling transport instead of the websocket")
	pollInterval := flag.Duration("interval", polling.DefaultPollInterval, "delay between polls on the polling transport")
	noRAG := flag.Bool("no-rag", false, "disable retrieval-augmented generation")
	noAudio := flag.Bool("no-audio", false, "run without audio devices (text only)")
	flag.Parse()

	if err := run(*serverURL, *usePolling, *pollInterval, *noRAG, *noAudio); err != nil {
		fmt.Fprintln(os.Stderr, "empath-chat:", err)
		os.Exit(1)
	}
}

func run(serverURL string, usePolling bool, pollInterval time.Duration, noRAG, noAudio bool) error {
	options := []voicechat.SessionOption{}
	transportName := "websocket"
	if usePolling {
		transportName = "polling"
		options = append(options, voicechat.WithPollingTransport(serverURL, polling.WithPollInterval(pollInterval)))
	} else {
		options = append(options, voicechat.WithDuplexTransport(serverURL))
	}
	if noRAG {
		options = append(options, voicechat.WithRAGDisabled())
	}

	canRecord := false
	if !noAudio {
		devices, err := miniaudio.NewClient()
		if err != nil {
			return fmt.Errorf("failed to initialize audio devices: %w (rerun with -no-audio to chat without them)", err)
		}
		defer devices.Close()
		options = append(options, voicechat.WithPlaybackSink(devices), voicechat.WithCaptureSource(devices))
		canRecord = true
	}

	session := voicechat.NewSessionController(options...)

	events := make(chan tea.Msg, 64)
	program := tea.NewProgram(newModel(session, events, serverURL, transportName, canRecord), tea.WithAltScreen())
	_, runErr := program.Run()

	// The session's event consumer may still be feeding callbacks; keep the
	// channel drained while it shuts down.
	go func() {
		for range events {
		}
	}()
	_ = session.Close()

	return runErr
}
