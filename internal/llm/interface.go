package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatbroker/internal/history"
)

// Client is minimal subset of openai.Client used by the completer; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Prompt is one completion request: the new user text, the prior transcript
// and the provider conversation id carried by the session.
type Prompt struct {
	Text           string
	History        []history.Turn
	ConversationID string
}

// Reply is the provider's answer. ConversationID is empty when the provider
// did not return one.
type Reply struct {
	Text           string
	ConversationID string
}

// Completer produces a reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (Reply, error)
}
