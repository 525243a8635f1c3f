package assistant

import (
	"strings"

	"github.com/querychat/querychat/internal/llm"
)

// Exchange is one question and its answer. An empty Answer marks a turn that
// has not been answered yet.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FormatConversation seeds a completion request: the persona, then each
// exchange as a user message followed by its answer when there is one.
func FormatConversation(persona string, exchanges []Exchange) []llm.Message {
	messages := make([]llm.Message, 0, 1+2*len(exchanges))
	messages = append(messages, llm.SystemMessage(persona))
	for _, exchange := range exchanges {
		messages = append(messages, llm.UserMessage(exchange.Question))
		if strings.TrimSpace(exchange.Answer) != "" {
			messages = append(messages, llm.AssistantMessage(exchange.Answer))
		}
	}
	return messages
}
