package chat

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the provider-agnostic wire message sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Mode bundles a system instruction with a context window size.
// Modes are immutable configuration; a session binds one at creation.
type Mode struct {
	ID                string
	Name              string
	SystemInstruction string
	// WindowSize is the maximum number of history messages retained
	// in the assembled context. Zero is valid and yields only the
	// system message.
	WindowSize int
}

// StreamEvent is one normalized increment decoded from an upstream
// stream. Exactly one of the three shapes applies: Err is set for an
// upstream error record, Done marks the terminal record, otherwise
// the event carries a content delta.
type StreamEvent struct {
	Delta string
	Done  bool
	// TokenCount is the upstream-reported completion token count.
	// Only meaningful on the terminal event, and only when positive.
	TokenCount int
	Err        error
}
