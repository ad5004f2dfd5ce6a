package executors

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

const defaultAIModel = "claude-3-5-sonnet-20241022"

// AIExecutor performs LLM call nodes against the Anthropic API. Config:
//
//	prompt: user prompt, {{path}} placeholders resolved from the input
//	system: optional system prompt
//	model: optional model override
//	maxTokens: optional cap, defaults to 1024
//
// The API key comes from config or the ANTHROPIC_API_KEY environment
// variable.
type AIExecutor struct {
	client *anthropic.Client
	logger logger.Logger
}

func NewAIExecutor(log logger.Logger) *AIExecutor {
	if log == nil {
		log = logger.NewNop()
	}
	client := anthropic.NewClient(option.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")))
	return &AIExecutor{client: &client, logger: log}
}

func (e *AIExecutor) Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error) {
	prompt, _ := node.Config["prompt"].(string)
	if prompt == "" {
		return nil, &ExecutorError{NodeType: node.Type, Err: fmt.Errorf("ai node requires a prompt")}
	}
	prompt = interpolate(prompt, input)

	model := defaultAIModel
	if m, ok := node.Config["model"].(string); ok && m != "" {
		model = m
	}

	maxTokens := int64(1024)
	if v, ok := node.Config["maxTokens"].(float64); ok && v > 0 {
		maxTokens = int64(v)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system, ok := node.Config["system"].(string); ok && system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: interpolate(system, input)},
		}
	}

	message, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: fmt.Errorf("anthropic call failed: %w", err)}
	}

	var text strings.Builder
	for _, block := range message.Content {
		text.WriteString(block.Text)
	}

	return map[string]interface{}{
		"text":         text.String(),
		"model":        model,
		"inputTokens":  message.Usage.InputTokens,
		"outputTokens": message.Usage.OutputTokens,
		"stopReason":   string(message.StopReason),
		"status":       "ok",
	}, nil
}
