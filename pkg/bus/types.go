package bus

// IncomingMessage is the value every channel adapter produces for the
// engine to consume. Channel adapters are responsible for assigning a
// stable, channel-unique messageId and the chatId format for their
// channel (cli:<slot>, signal:dm:<e164>/signal:group:<id>,
// tg:<userId>/tg:<chatId>).
type IncomingMessage struct {
	Channel            string
	ChatID             string
	MessageID          string
	AuthorID           string
	AuthorDisplayName  string
	Text               string
	Attachments        []Attachment
	IsGroup            bool
	Mentioned          bool
	IsOperator         bool
	TimestampMs        int64
}

// Attachment is a metadata-only descriptor; Homie never stores media
// payloads inline on an IncomingMessage.
type Attachment struct {
	Kind     string // image, audio, file, ...
	MimeType string
	FileName string
	SizeBytes int64
}

// OutgoingActionKind tags the variant carried by an OutgoingAction.
type OutgoingActionKind string

const (
	ActionSilence   OutgoingActionKind = "silence"
	ActionSendText  OutgoingActionKind = "send_text"
	ActionSendAudio OutgoingActionKind = "send_audio"
	ActionReact     OutgoingActionKind = "react"
)

// OutgoingAction is the tagged union the engine returns for every turn.
// Only the fields relevant to Kind are populated. ChatID addresses the
// action to a specific chat within the channel a subscriber is
// registered for — PublishOutbound fans out per-channel, not per-chat,
// so every adapter must switch on it.
type OutgoingAction struct {
	Kind   OutgoingActionKind
	ChatID string

	// ActionSilence
	Reason string

	// ActionSendText / ActionSendAudio
	Text       string
	Media      []Attachment
	TTSHint    bool
	Mime       string
	Filename   string
	Bytes      []byte
	AsVoiceNote bool

	// ActionReact
	Emoji            string
	TargetAuthorID   string
	TargetTimestampMs int64
}

// Silence constructs a silence action with a reason code.
func Silence(reason string) OutgoingAction {
	return OutgoingAction{Kind: ActionSilence, Reason: reason}
}

// SendText constructs a send_text action.
func SendText(text string) OutgoingAction {
	return OutgoingAction{Kind: ActionSendText, Text: text}
}

// React constructs a react action.
func React(emoji, targetAuthorID string, targetTimestampMs int64) OutgoingAction {
	return OutgoingAction{
		Kind:              ActionReact,
		Emoji:             emoji,
		TargetAuthorID:    targetAuthorID,
		TargetTimestampMs: targetTimestampMs,
	}
}

// StreamEventKind tags a streaming observer event emitted while a
// completion is in flight.
type StreamEventKind string

const (
	EventPhase         StreamEventKind = "phase"
	EventTextDelta     StreamEventKind = "text_delta"
	EventReasoningDelta StreamEventKind = "reasoning_delta"
	EventToolCall      StreamEventKind = "tool_call"
	EventToolResult    StreamEventKind = "tool_result"
	EventUsage         StreamEventKind = "usage"
	EventMeta          StreamEventKind = "meta"
	EventResetStream   StreamEventKind = "reset_stream"
	EventDone          StreamEventKind = "done"
)

// StreamEvent is one item of the streaming variant of
// handleIncomingMessage.
type StreamEvent struct {
	Kind   StreamEventKind
	Text   string
	Phase  string
	Tool   string
	ToolArgs map[string]interface{}
	ToolResult string
	Usage  *Usage
	Meta   map[string]interface{}
}

// Usage carries token accounting reported by a backend completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
