package protocol

// TextInputMessage submits a typed user prompt over the duplex channel.
type TextInputMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	UseRAG bool   `json:"use_rag"`
}

func NewTextInput(text string, useRAG bool) TextInputMessage {
	return TextInputMessage{Type: "text_input", Text: text, UseRAG: useRAG}
}

// ClearSessionMessage asks the server to drop the conversation state tied
// to this connection while keeping the channel open.
type ClearSessionMessage struct {
	Type string `json:"type"`
}

func NewClearSession() ClearSessionMessage {
	return ClearSessionMessage{Type: "clear_session"}
}
