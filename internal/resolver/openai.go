package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/danielpatrickdp/graph-automaton/internal/rule"
)

// OpenAI resolves nodes with a chat completion against any OpenAI
// compatible endpoint (OpenAI, Ollama, vLLM).
type OpenAI struct {
	name         string
	client       *openai.Client
	model        string
	systemPrompt string
	memory       int
	temperature  float32
	log          zerolog.Logger
}

// OpenAIOption configures an OpenAI resolver.
type OpenAIOption func(*OpenAI)

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(p string) OpenAIOption { return func(o *OpenAI) { o.systemPrompt = p } }

// WithMemory sets how many past transitions the prompt includes.
func WithMemory(n int) OpenAIOption { return func(o *OpenAI) { o.memory = n } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) OpenAIOption { return func(o *OpenAI) { o.temperature = t } }

// WithOpenAILogger sets the logger.
func WithOpenAILogger(l zerolog.Logger) OpenAIOption {
	return func(o *OpenAI) { o.log = l.With().Str("component", "resolver").Logger() }
}

// NewOpenAI builds a resolver for the endpoint. An empty apiURL keeps the
// client library's default base URL.
func NewOpenAI(name, apiURL, apiKey, model string, opts ...OpenAIOption) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if apiURL != "" {
		cfg.BaseURL = apiURL
	}
	o := &OpenAI{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		memory: DefaultMemory,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Resolve(ctx context.Context, rc *rule.Context) (rule.Outcome, error) {
	return Instrument(ctx, o.name, rc, func(ctx context.Context) (rule.Outcome, error) {
		req := openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(o.systemPrompt)},
				{Role: openai.ChatMessageRoleUser, Content: "Current context:\n" + UserMessage(rc, o.memory)},
			},
			Temperature: o.temperature,
		}
		o.log.Debug().Uint64("node", uint64(rc.NodeID)).Uint64("tick", rc.Tick).Str("model", o.model).Msg("chat completion")

		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return rule.Outcome{}, fmt.Errorf("chat completion %s: %w", o.name, err)
		}
		if len(resp.Choices) == 0 {
			return rule.Outcome{}, fmt.Errorf("%w: no choices", ErrBadResponse)
		}
		out, err := ParseOutput(resp.Choices[0].Message.Content)
		if err != nil {
			return rule.Outcome{}, err
		}
		return out.Outcome(rc.Current().State), nil
	})
}
