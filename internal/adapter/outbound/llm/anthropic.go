// Package llm provides the Anthropic-backed completion client used for
// semantic threat advisories and pipeline language tasks.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/port/outbound"
)

// maxResponseTokens bounds advisory responses; verdicts and short
// summaries never need more.
const maxResponseTokens = 1024

// defaultCallTimeout applies when the config omits one.
const defaultCallTimeout = 10 * time.Second

// AnthropicClient implements outbound.LLMClient over the Anthropic API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

var _ outbound.LLMClient = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client from configuration. The caller is
// responsible for not constructing one when the API key is absent; the
// rest of the system treats a nil client as "advisory disabled".
func NewAnthropicClient(cfg config.LLMConfig, logger *slog.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key is empty")
	}
	timeout := defaultCallTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse llm.timeout: %w", err)
		}
		timeout = d
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Complete sends one prompt and returns the concatenated text blocks of
// the response.
func (c *AnthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxResponseTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	msg, err := c.client.Messages.New(callCtx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	c.logger.Debug("llm completion",
		"model", c.model,
		"elapsed", time.Since(start),
		"response_chars", b.Len(),
	)
	return b.String(), nil
}
