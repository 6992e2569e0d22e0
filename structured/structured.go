package structured

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// ErrNoOutput is returned when the model produced neither a tool call nor a
// JSON object in its content.
var ErrNoOutput = errors.New("no structured output in model response")

// OutputError carries the raw model text of a response without structured
// output, so callers can fall back on it.
type OutputError struct {
	Raw string
	Err error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("decode structured output: %v", e.Err)
}

func (e *OutputError) Unwrap() error {
	return e.Err
}

type PromptBuilder[TInput any] func(ctx context.Context, input TInput) ([]*schema.Message, error)

type Chain[TInput, TOutput any] struct {
	PromptBuilder PromptBuilder[TInput]
	ChatModel     model.ToolCallingChatModel
	ToolInfo      *schema.ToolInfo

	contentOnly  bool
	modelOptions []model.Option
}

type Option func(*chainOptions)

type chainOptions struct {
	contentOnly  bool
	modelOptions []model.Option
}

// WithContentOnly skips tool binding and reads the JSON object from the
// message content. Useful for gateways without forced tool choice.
func WithContentOnly() Option {
	return func(o *chainOptions) {
		o.contentOnly = true
	}
}

func WithModelOptions(opts ...model.Option) Option {
	return func(o *chainOptions) {
		o.modelOptions = append(o.modelOptions, opts...)
	}
}

func NewChain[TInput, TOutput any](
	chatModel model.ToolCallingChatModel,
	promptBuilder PromptBuilder[TInput],
	toolName string,
	toolDesc string,
	opts ...Option,
) (*Chain[TInput, TOutput], error) {
	var options chainOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	toolInfo, err := utils.GoStruct2ToolInfo[TOutput](toolName, toolDesc)
	if err != nil {
		return nil, fmt.Errorf("convert tool info failed: %w", err)
	}
	return &Chain[TInput, TOutput]{
		PromptBuilder: promptBuilder,
		ChatModel:     chatModel,
		ToolInfo:      toolInfo,
		contentOnly:   options.contentOnly,
		modelOptions:  options.modelOptions,
	}, nil
}

// Raw returns the JSON text of the structured output without decoding it;
// callers coerce it with their own rules.
func (s *Chain[TInput, TOutput]) Raw(ctx context.Context, input TInput) (string, error) {
	messages, err := s.PromptBuilder(ctx, input)
	if err != nil {
		return "", fmt.Errorf("build prompt failed: %w", err)
	}

	opts := append([]model.Option(nil), s.modelOptions...)
	if !s.contentOnly {
		opts = append(opts,
			model.WithTools([]*schema.ToolInfo{s.ToolInfo}),
			model.WithToolChoice(schema.ToolChoiceForced, s.ToolInfo.Name),
		)
	}
	response, err := s.ChatModel.Generate(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("call model failed: %w", err)
	}
	for _, call := range response.ToolCalls {
		if call.Function.Name == s.ToolInfo.Name && call.Function.Arguments != "" {
			return call.Function.Arguments, nil
		}
	}
	if text, ok := ExtractJSON(response.Content); ok {
		return text, nil
	}
	return "", &OutputError{Raw: response.Content, Err: ErrNoOutput}
}

var fencePattern = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON finds a JSON object in free text: a fenced code block first,
// then the span between the first '{' and the last '}'.
func ExtractJSON(content string) (string, bool) {
	if m := fencePattern.FindStringSubmatch(content); m != nil {
		text := strings.TrimSpace(m[1])
		return text, text != ""
	}
	open := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if open == -1 || end <= open {
		return "", false
	}
	return strings.TrimSpace(content[open : end+1]), true
}
