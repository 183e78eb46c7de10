package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"

	"github.com/comigor/chatbroker/internal/config"
	"github.com/comigor/chatbroker/internal/history"
	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/shared"
)

const defaultRetryBase = 500 * time.Millisecond

// OpenAICompleter implements Completer over an OpenAI-compatible chat API.
type OpenAICompleter struct {
	client    Client
	cfg       config.LLMConfig
	retryBase time.Duration
}

// NewCompleter wraps client with the model, prompt, timeout and retry settings of cfg.
func NewCompleter(client Client, cfg config.LLMConfig) *OpenAICompleter {
	return &OpenAICompleter{client: client, cfg: cfg, retryBase: defaultRetryBase}
}

func (c *OpenAICompleter) buildRequest(p Prompt) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	}
	for _, t := range p.History {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: toOpenAIRole(t.Role), Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Text})

	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
}

func toOpenAIRole(r history.Role) string {
	switch r {
	case history.RoleSystem:
		return openai.ChatMessageRoleSystem
	case history.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// Complete sends the prompt, retrying transient failures up to cfg.Retries
// times. Each attempt is bounded by cfg.Timeout. Failures wrap ErrExternalService.
func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (Reply, error) {
	req := c.buildRequest(p)
	backoff := retry.WithMaxRetries(uint64(max(c.cfg.Retries, 0)), retry.NewExponential(c.retryBase))

	var resp openai.ChatCompletionResponse
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx := ctx
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}

		var err error
		resp, err = c.client.CreateChatCompletion(attemptCtx, req)
		if err == nil {
			return nil
		}
		logger.L.Warn("completion attempt failed", "attempt", attempt, "conversation_id", p.ConversationID, "error", err)
		if ctx.Err() == nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return Reply{}, errors.Join(shared.ErrExternalService, fmt.Errorf("chat completion after %d attempt(s): %w", attempt, err))
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("%w: completion returned no choices", shared.ErrExternalService)
	}

	logger.L.Debug("completion received", "conversation_id", resp.ID, "attempts", attempt)
	return Reply{Text: resp.Choices[0].Message.Content, ConversationID: resp.ID}, nil
}

// isRetryable treats rate limits, server errors and transport failures as
// transient. Other provider errors are final.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
