package chat

// AssembleContext builds the bounded prompt context for one turn: a
// single system message synthesized from the mode, followed by the
// last mode.WindowSize entries of history, oldest first. A window of
// zero or less yields only the system message. The input slice is
// never mutated.
func AssembleContext(history []Message, mode Mode) []Message {
	n := len(history)
	if n > mode.WindowSize {
		n = mode.WindowSize
	}
	if n < 0 {
		n = 0
	}
	msgs := make([]Message, 0, n+1)
	msgs = append(msgs, Message{
		Role:    RoleSystem,
		Content: mode.SystemInstruction,
	})
	msgs = append(msgs, history[len(history)-n:]...)
	return msgs
}
