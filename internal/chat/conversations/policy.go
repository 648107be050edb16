package conversations

import "github.com/cloudwego/eino/schema"

// HistoryPolicy decides which committed messages are sent to the backend.
// It shapes the outbound list only; the stored transcript is never trimmed.
type HistoryPolicy interface {
	Apply(history []*schema.Message) []*schema.Message
}

// KeepAll forwards the full transcript.
type KeepAll struct{}

func (KeepAll) Apply(history []*schema.Message) []*schema.Message {
	return history
}

// LastTurns forwards at most the most recent N turns (2N messages).
type LastTurns int

func (n LastTurns) Apply(history []*schema.Message) []*schema.Message {
	if n <= 0 {
		return history
	}
	return trimTail(history, int(n)*2)
}

// PolicyForMaxTurns maps the configured turn cap to a policy; zero or less means unbounded.
func PolicyForMaxTurns(maxTurns int) HistoryPolicy {
	if maxTurns <= 0 {
		return KeepAll{}
	}
	return LastTurns(maxTurns)
}

func trimTail(messages []*schema.Message, maxMessages int) []*schema.Message {
	if len(messages) <= maxMessages {
		return messages
	}
	return messages[len(messages)-maxMessages:]
}
