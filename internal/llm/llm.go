package llm

import (
	"net/http"

	"github.com/comigor/chatbroker/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates a new OpenAI client. Each HTTP request is capped at cfg.Timeout.
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL
	config.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return openai.NewClientWithConfig(config)
}
