package voicechat

import (
	"sync"

	"github.com/jinzhu/copier"
)

// Turn roles, mirroring the server's conversation records.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one completed conversation entry: what the user said, typed or
// transcribed, or what the assistant answered.
type Turn struct {
	Role    string
	Content string
}

// ConversationLog records completed exchanges on the client so a transcript
// can be rendered without a server round trip. Only finalized utterances and
// transcriptions land here; in-flight fragments stay in the assembler.
type ConversationLog struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewConversationLog() *ConversationLog {
	return &ConversationLog{}
}

// Append records one completed turn at the end of the log.
func (l *ConversationLog) Append(role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, Turn{Role: role, Content: content})
}

// History returns a point-in-time copy of the log, oldest turn first.
func (l *ConversationLog) History() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	turns := make([]Turn, 0, len(l.turns))
	copier.Copy(&turns, l.turns)
	return turns
}

// Clear drops every recorded turn, matching a server-side session clear.
func (l *ConversationLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
}

func (l *ConversationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}
