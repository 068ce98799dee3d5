package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/alertmesh/backend/internal/core"
)

const systemPrompt = `You advise managed-service-provider operators on incident
remediation. Given an incident and the runbooks available for it, respond with
a single JSON object: {"recommendation": string, "confidence": number between
0 and 1, "tool_calls": [runbook ids worth executing], "reasoning": string}.
Recommend runbook execution only when the incident signature clearly matches;
otherwise recommend investigation steps. Never invent runbook ids.`

// AnthropicAdvisor asks a Claude model for recommendations.
type AnthropicAdvisor struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicAdvisor builds the adapter. An empty key defers to the
// ANTHROPIC_API_KEY environment variable.
func NewAnthropicAdvisor(apiKey, model string) *AnthropicAdvisor {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicAdvisor{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

func (a *AnthropicAdvisor) Decide(ctx context.Context, snap *Snapshot, memory []core.MemoryMessage) (*Decision, error) {
	params, err := a.params(snap, memory)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return parseDecision(sb.String()), nil
}

// DecideStream emits recommendation text as it arrives, then the literal
// "end".
func (a *AnthropicAdvisor) DecideStream(ctx context.Context, snap *Snapshot, memory []core.MemoryMessage) (<-chan string, error) {
	params, err := a.params(snap, memory)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out <- delta.Text
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- fmt.Sprintf("advisor stream failed: %v", err)
		}
		out <- "end"
	}()
	return out, nil
}

func (a *AnthropicAdvisor) params(snap *Snapshot, memory []core.MemoryMessage) (anthropic.MessageNewParams, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("snapshot encode: %w", err)
	}

	messages := make([]anthropic.MessageParam, 0, len(memory)+1)
	for _, turn := range memory {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(string(payload))))

	return anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  messages,
	}, nil
}
