package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"

	"github.com/tbxark/stepagent/conversation"
	"github.com/tbxark/stepagent/structured"
	"github.com/tbxark/stepagent/types"
)

const (
	replyToolName        = "respond_to_step"
	replyToolDescription = "Reply to the user for the current task step with a short message, a confidence score, progress and UI actions."
)

// DefaultSystemPromptTemplate is the default system prompt used by ModelSource.
// The first "%s" receives the formatted task context, the second the reply schema.
const DefaultSystemPromptTemplate = `You are a UI-constrained task assistant. Follow these STRICT rules:

1. MAX 120 characters per message. Be extremely concise.
2. Output ONLY valid JSON - no other text.
3. NEVER auto-advance steps. User MUST confirm before moving to next step.

%s

WORKFLOW FOR EACH STEP:
1. Ask for ALL required information for the step. If several items are needed, wait until the user provides all of them.
2. DO NOT show a "confirm" action if only partial info is provided.
3. ONLY when the user provides ALL info, show a confirmation: "Confirm [summary] and proceed?" with a "Confirm & Continue" button.

ACTION TYPES: confirm, select (with options array), input, date, datetime, retry

PROGRESS VALUES:
- 0-30: initial prompt for the step, showing input actions
- 31-89: some info provided but the step is NOT complete; ask for what is missing
- 90-99: ALL info collected; show a summary and a "Confirm & Continue" button
- 100: never; confirmation is handled outside of you

Reply JSON schema:
%s`

type modelSourceOptions struct {
	systemPromptTemplate string
	history              int
	contentOnly          bool
	modelOptions         []model.Option
}

type ModelOption func(*modelSourceOptions)

// WithSystemPromptTemplate overrides the system prompt template. It must
// contain two "%s" placeholders: task context, then reply schema.
func WithSystemPromptTemplate(tpl string) ModelOption {
	return func(o *modelSourceOptions) {
		o.systemPromptTemplate = tpl
	}
}

// WithHistoryWindow bounds how many previous messages reach the model.
func WithHistoryWindow(n int) ModelOption {
	return func(o *modelSourceOptions) {
		o.history = n
	}
}

// WithContentReplies reads the reply from message content instead of a forced tool call.
func WithContentReplies() ModelOption {
	return func(o *modelSourceOptions) {
		o.contentOnly = true
	}
}

func WithSampling(temperature float32, maxTokens int) ModelOption {
	return func(o *modelSourceOptions) {
		o.modelOptions = append(o.modelOptions, model.WithTemperature(temperature), model.WithMaxTokens(maxTokens))
	}
}

// ModelSource asks a chat model for the raw reply JSON.
type ModelSource struct {
	chain   *structured.Chain[*types.OracleRequest, types.Reply]
	trimmer conversation.Trimmer
	prompt  string
	schema  string
}

var _ Source = (*ModelSource)(nil)

func NewModelSource(chatModel model.ToolCallingChatModel, opts ...ModelOption) (*ModelSource, error) {
	options := modelSourceOptions{
		systemPromptTemplate: DefaultSystemPromptTemplate,
		history:              4,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	replySchema, err := ReplySchema()
	if err != nil {
		return nil, err
	}
	src := &ModelSource{
		trimmer: conversation.KeepSystemLastNTrimmer{N: options.history},
		prompt:  options.systemPromptTemplate,
		schema:  replySchema,
	}
	chainOpts := []structured.Option{structured.WithModelOptions(options.modelOptions...)}
	if options.contentOnly {
		chainOpts = append(chainOpts, structured.WithContentOnly())
	}
	chain, err := structured.NewChain[*types.OracleRequest, types.Reply](
		chatModel,
		src.buildPrompt,
		replyToolName,
		replyToolDescription,
		chainOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("create reply chain: %w", err)
	}
	src.chain = chain
	return src, nil
}

// Produce returns the model's reply JSON. Undecodable model output is
// returned as raw text so the boundary can fall back.
func (s *ModelSource) Produce(ctx context.Context, req *types.OracleRequest) (string, error) {
	raw, err := s.chain.Raw(ctx, req)
	if err != nil {
		var outErr *structured.OutputError
		if errors.As(err, &outErr) {
			return outErr.Raw, nil
		}
		return "", fmt.Errorf("LLM call failed: %w", err)
	}
	return raw, nil
}

func (s *ModelSource) buildPrompt(ctx context.Context, req *types.OracleRequest) ([]*schema.Message, error) {
	system := s.prompt
	if strings.Count(system, "%s") >= 2 {
		system = fmt.Sprintf(system, types.FormatRequest(req), s.schema)
	}
	messages := []*schema.Message{schema.SystemMessage(system)}
	messages = append(messages, conversation.ToSchema(req.PreviousMessages)...)
	messages = s.trimmer.Trim(messages)
	messages = append(messages, schema.UserMessage(req.UserMessage))
	return messages, nil
}

// ReplySchema is the JSON Schema of the reply, embedded in the system prompt.
func ReplySchema() (string, error) {
	s := jsonschema.Reflect(&types.Reply{})
	s.Title = "AgentReply"
	s.Description = "Structured reply shown to the user for the current task step."
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON schema: %w", err)
	}
	return string(data), nil
}
