package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	voicechat "github.com/empathai/voicechat-go/core"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	faintStyle     = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	recordingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
)

// Messages forwarded from the session's observer callbacks through the
// events channel.
type (
	statusMsg            string
	transcriptionMsg     string
	responseStartedMsg   struct{}
	responseTextMsg      string
	responseFinalizedMsg string
	playbackDoneMsg      struct{}
	stateChangedMsg      voicechat.SessionState
	serverErrorMsg       string
)

// Messages produced directly by commands.
type (
	connectedMsg           struct{}
	connectFailedMsg       struct{ err error }
	actionFailedMsg        struct{ err error }
	conversationClearedMsg struct{}
	recordingToggledMsg    struct {
		recording bool
		err       error
	}
)

type transcriptEntry struct {
	role string
	text string
}

type model struct {
	session *voicechat.SessionController
	events  chan tea.Msg

	serverURL     string
	transportName string
	canRecord     bool

	input   textinput.Model
	spinner spinner.Model

	width  int
	height int

	state      voicechat.SessionState
	transcript []transcriptEntry
	partial    string
	awaiting   bool
	recording  bool
	status     string
	errText    string
	quitting   bool
}

func newModel(session *voicechat.SessionController, events chan tea.Msg, serverURL, transportName string, canRecord bool) model {
	input := textinput.New()
	input.Placeholder = "Type a message and press enter"
	input.CharLimit = 512
	input.Focus()

	spin := spinner.New(spinner.WithSpinner(spinner.Dot))
	spin.Style = assistantStyle

	return model{
		session:       session,
		events:        events,
		serverURL:     serverURL,
		transportName: transportName,
		canRecord:     canRecord,
		input:         input,
		spinner:       spin,
		state:         voicechat.StateIdle,
		status:        "connecting",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.connectCmd(false), m.waitForEvent())
}

// waitForEvent blocks for the next forwarded session event. Every handled
// event message re-arms it, keeping exactly one wait in flight.
func (m model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		return <-events
	}
}

func (m model) connectCmd(retry bool) tea.Cmd {
	session := m.session
	events := m.events
	return func() tea.Msg {
		var err error
		if retry {
			err = session.Retry(context.Background())
		} else {
			err = session.Connect(context.Background(),
				voicechat.WithStatusCallback(func(status string) { events <- statusMsg(status) }),
				voicechat.WithTranscriptionCallback(func(text string) { events <- transcriptionMsg(text) }),
				voicechat.WithResponseStartedCallback(func() { events <- responseStartedMsg{} }),
				voicechat.WithResponseTextCallback(func(delta string) { events <- responseTextMsg(delta) }),
				voicechat.WithResponseFinalizedCallback(func(utterance string) { events <- responseFinalizedMsg(utterance) }),
				voicechat.WithPlaybackDoneCallback(func() { events <- playbackDoneMsg{} }),
				voicechat.WithStateChangedCallback(func(state voicechat.SessionState) { events <- stateChangedMsg(state) }),
				voicechat.WithServerErrorCallback(func(message string) { events <- serverErrorMsg(message) }),
			)
		}
		if err != nil {
			return connectFailedMsg{err}
		}
		return connectedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(20, msg.Width-4)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			return m.submitInput()
		case "ctrl+r":
			return m.toggleRecording()
		case "ctrl+l":
			return m, m.clearCmd()
		case "ctrl+g":
			return m, m.abortCmd()
		case "ctrl+o":
			if m.state == voicechat.StateFaulted {
				m.status = "reconnecting"
				m.errText = ""
				return m, m.connectCmd(true)
			}
			return m, nil
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusMsg:
		m.status = string(msg)
		return m, m.waitForEvent()

	case transcriptionMsg:
		m.transcript = append(m.transcript, transcriptEntry{role: "you", text: string(msg)})
		return m, m.waitForEvent()

	case responseStartedMsg:
		m.awaiting = true
		m.partial = ""
		return m, m.waitForEvent()

	case responseTextMsg:
		m.awaiting = true
		m.partial += string(msg)
		return m, m.waitForEvent()

	case responseFinalizedMsg:
		if utterance := string(msg); utterance != "" {
			m.transcript = append(m.transcript, transcriptEntry{role: "empath", text: utterance})
		}
		m.partial = ""
		m.awaiting = false
		return m, m.waitForEvent()

	case playbackDoneMsg:
		return m, m.waitForEvent()

	case stateChangedMsg:
		m.state = voicechat.SessionState(msg)
		switch m.state {
		case voicechat.StateOpen:
			m.status = "connected over " + m.transportName
		case voicechat.StateFaulted:
			if err := m.session.Err(); err != nil {
				m.errText = err.Error()
			}
			m.status = "disconnected, press ctrl+o to reconnect"
			m.awaiting = false
			m.recording = false
		case voicechat.StateIdle:
			m.awaiting = false
			m.recording = false
		}
		return m, m.waitForEvent()

	case serverErrorMsg:
		m.errText = string(msg)
		m.awaiting = false
		return m, m.waitForEvent()

	case connectedMsg:
		return m, nil

	case connectFailedMsg:
		m.errText = msg.err.Error()
		m.status = "connection failed, press ctrl+o to retry"
		return m, nil

	case actionFailedMsg:
		m.errText = msg.err.Error()
		m.awaiting = false
		return m, nil

	case conversationClearedMsg:
		m.transcript = nil
		m.partial = ""
		m.awaiting = false
		m.status = "conversation cleared"
		return m, nil

	case recordingToggledMsg:
		m.recording = msg.recording
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else if msg.recording {
			m.status = "recording, press ctrl+r to send"
			m.errText = ""
		} else {
			m.status = "voice turn submitted"
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) submitInput() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if m.state != voicechat.StateOpen {
		m.errText = "not connected"
		return m, nil
	}

	m.input.Reset()
	m.transcript = append(m.transcript, transcriptEntry{role: "you", text: text})
	m.awaiting = true
	m.errText = ""

	session := m.session
	return m, func() tea.Msg {
		if err := session.SendText(context.Background(), text); err != nil {
			return actionFailedMsg{err}
		}
		return nil
	}
}

func (m model) toggleRecording() (tea.Model, tea.Cmd) {
	if !m.canRecord {
		m.errText = "audio devices are disabled (-no-audio)"
		return m, nil
	}
	if m.state != voicechat.StateOpen {
		m.errText = "not connected"
		return m, nil
	}

	session := m.session
	if m.recording {
		return m, func() tea.Msg {
			err := session.StopRecording(context.Background())
			return recordingToggledMsg{recording: false, err: err}
		}
	}
	return m, func() tea.Msg {
		if err := session.StartRecording(context.Background()); err != nil {
			return recordingToggledMsg{recording: false, err: err}
		}
		return recordingToggledMsg{recording: true}
	}
}

func (m model) clearCmd() tea.Cmd {
	if m.state != voicechat.StateOpen {
		return nil
	}
	session := m.session
	return func() tea.Msg {
		if err := session.ClearSession(context.Background()); err != nil {
			return actionFailedMsg{err}
		}
		return conversationClearedMsg{}
	}
}

func (m model) abortCmd() tea.Cmd {
	if m.state != voicechat.StateOpen {
		return nil
	}
	session := m.session
	return func() tea.Msg {
		if err := session.AbortResponse(context.Background()); err != nil {
			return actionFailedMsg{err}
		}
		return nil
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	width := m.width
	if width <= 0 {
		width = 80
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("EmpathAI voice chat"))
	b.WriteString("  ")
	b.WriteString(faintStyle.Render(m.serverURL + " via " + m.transportName))
	b.WriteString("\n")
	b.WriteString(m.renderStateLine())
	b.WriteString("\n\n")

	b.WriteString(m.renderTranscript(width))
	b.WriteString("\n")

	if m.awaiting || m.partial != "" {
		line := assistantStyle.Render("empath ") + m.spinner.View() + " " + m.partial
		b.WriteString(wordwrap.String(line, width))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar(width))
	return b.String()
}

func (m model) renderStateLine() string {
	parts := []string{stateBadge(m.state)}
	if id := m.session.SessionID(); id != "" {
		parts = append(parts, faintStyle.Render("session "+id))
	}
	return strings.Join(parts, "  ")
}

func (m model) renderTranscript(width int) string {
	if len(m.transcript) == 0 {
		return faintStyle.Render("No conversation yet. Type a message, or press ctrl+r to talk.")
	}

	var lines []string
	for _, entry := range m.transcript {
		label := userStyle.Render("you     ")
		if entry.role == "empath" {
			label = assistantStyle.Render("empath  ")
		}
		lines = append(lines, wordwrap.String(label+entry.text, width))
	}
	rendered := strings.Join(lines, "\n")

	// Keep the tail that fits above the input area.
	if m.height > 0 {
		maxLines := m.height - 9
		split := strings.Split(rendered, "\n")
		if maxLines > 0 && len(split) > maxLines {
			rendered = strings.Join(split[len(split)-maxLines:], "\n")
		}
	}
	return rendered
}

func (m model) renderStatusBar(width int) string {
	left := faintStyle.Render(m.status)
	if m.recording {
		left = recordingStyle.Render("● recording") + " " + faintStyle.Render("("+m.session.RecordedDuration().Round(100*time.Millisecond).String()+")")
	}
	if m.errText != "" {
		left = errorStyle.Render(m.errText)
	}
	if queued := m.session.QueuedFragments(); queued > 0 || m.session.PlaybackState() == voicechat.PlaybackPlaying {
		left += faintStyle.Render(fmt.Sprintf("  speaking, %d queued", queued))
	}

	hints := faintStyle.Render("enter send · ctrl+r talk · ctrl+l clear · ctrl+g stop · ctrl+c quit")
	return wordwrap.String(left+"\n"+hints, width)
}

func stateBadge(state voicechat.SessionState) string {
	style := lipgloss.NewStyle().Bold(true)
	switch state {
	case voicechat.StateOpen:
		style = style.Foreground(lipgloss.Color("42"))
	case voicechat.StateConnecting:
		style = style.Foreground(lipgloss.Color("220"))
	case voicechat.StateFaulted:
		style = style.Foreground(lipgloss.Color("196"))
	default:
		style = style.Faint(true)
	}
	return style.Render(state.String())
}
