package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/hai-labs/haigate/internal/model"
)

// anthropicVersion is required in every Anthropic request body on Bedrock.
const anthropicVersion = "bedrock-2023-05-31"

// Default sampling parameters.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 1.0
)

// BedrockAPI is the subset of the Bedrock runtime client used here.
type BedrockAPI interface {
	InvokeModelWithResponseStream(ctx context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

var (
	sharedOnce   sync.Once
	sharedClient *bedrockruntime.Client
	sharedErr    error
)

// SharedClient returns the process-wide Bedrock runtime client, creating it
// on first use. Later calls ignore region and return the same client.
func SharedClient(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	sharedOnce.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			sharedErr = fmt.Errorf("llm: load aws config: %w", err)
			return
		}
		sharedClient = bedrockruntime.NewFromConfig(cfg)
	})
	return sharedClient, sharedErr
}

// BedrockConfig selects models and default sampling parameters.
type BedrockConfig struct {
	ModelID       string // Generation model.
	RouterModelID string // Classification model; defaults to ModelID.
	MaxTokens     int
	Temperature   float64
}

// Bedrock implements Generator and Classifier on Amazon Bedrock. Generation
// uses InvokeModelWithResponseStream with the Anthropic messages body;
// classification uses the Converse API with tool configuration.
type Bedrock struct {
	api BedrockAPI
	cfg BedrockConfig
}

// NewBedrock creates a Bedrock backend.
func NewBedrock(api BedrockAPI, cfg BedrockConfig) *Bedrock {
	if cfg.RouterModelID == "" {
		cfg.RouterModelID = cfg.ModelID
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	return &Bedrock{api: api, cfg: cfg}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicBody struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
}

// buildBody renders req as an Anthropic messages body. System-role history
// entries are folded into the system prompt because the messages list only
// accepts user and assistant turns.
func (b *Bedrock) buildBody(req GenerateRequest) ([]byte, error) {
	body := anthropicBody{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        b.cfg.MaxTokens,
		Temperature:      b.cfg.Temperature,
		StopSequences:    req.StopSequences,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = req.Temperature
	}

	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")
	if len(body.Messages) == 0 {
		return nil, errors.New("llm: generate: no user message")
	}
	return json.Marshal(body)
}

// Stream implements Generator.
func (b *Bedrock) Stream(ctx context.Context, req GenerateRequest) (ChunkIterator, error) {
	raw, err := b.buildBody(req)
	if err != nil {
		return nil, err
	}
	out, err := b.api.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.cfg.ModelID),
		Body:        raw,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, upstreamError("invoke stream", err)
	}
	return newEventIterator(out.GetStream()), nil
}

// eventStream is satisfied by the SDK's response event stream.
type eventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// eventIterator adapts a Bedrock response stream to ChunkIterator.
type eventIterator struct {
	es     eventStream
	once   sync.Once
	closed error
}

func newEventIterator(es eventStream) *eventIterator {
	return &eventIterator{es: es}
}

func (it *eventIterator) Next(ctx context.Context) (Chunk, error) {
	for {
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case ev, ok := <-it.es.Events():
			if !ok {
				if err := it.es.Err(); err != nil {
					return Chunk{}, upstreamError("read stream", err)
				}
				return Chunk{}, io.EOF
			}
			part, isChunk := ev.(*types.ResponseStreamMemberChunk)
			if !isChunk {
				continue
			}
			c, keep, err := decodeAnthropicChunk(part.Value.Bytes)
			if err != nil {
				return Chunk{}, err
			}
			if keep {
				return c, nil
			}
		}
	}
}

func (it *eventIterator) Close() error {
	it.once.Do(func() { it.closed = it.es.Close() })
	return it.closed
}

type anthropicChunk struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// decodeAnthropicChunk maps one streamed payload to a Chunk. Payloads that
// carry nothing for the client (message_start, content_block_start, empty
// deltas) report keep=false.
func decodeAnthropicChunk(raw []byte) (Chunk, bool, error) {
	var c anthropicChunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return Chunk{}, false, fmt.Errorf("llm: decode stream chunk: %w", err)
	}
	switch c.Type {
	case "content_block_delta":
		if c.Delta.Text == "" {
			return Chunk{}, false, nil
		}
		return Text(c.Delta.Text), true, nil
	case "message_stop":
		return Stop(), true, nil
	}
	return Chunk{}, false, nil
}

// Classify implements Classifier. Tool-use detection is authoritative: a
// response is a tool invocation only when the stop reason says so.
func (b *Bedrock) Classify(ctx context.Context, req ClassifyRequest) (Classification, error) {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.cfg.RouterModelID),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Message}},
		}},
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]types.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.InputSchema)},
			}})
		}
		in.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}

	out, err := b.api.Converse(ctx, in)
	if err != nil {
		return Classification{}, upstreamError("converse", err)
	}
	return parseConverse(out)
}

func parseConverse(out *bedrockruntime.ConverseOutput) (Classification, error) {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Classification{Kind: ClassText}, nil
	}

	if out.StopReason == types.StopReasonToolUse {
		for _, block := range msg.Value.Content {
			tu, ok := block.(*types.ContentBlockMemberToolUse)
			if !ok {
				continue
			}
			params := map[string]any{}
			if tu.Value.Input != nil {
				if err := tu.Value.Input.UnmarshalSmithyDocument(&params); err != nil {
					return Classification{}, fmt.Errorf("llm: decode tool input: %w", err)
				}
			}
			return Classification{
				Kind: ClassToolUse,
				Tool: model.ToolInvocation{ToolName: aws.ToString(tu.Value.Name), Parameters: params},
			}, nil
		}
	}

	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}
	return Classification{Kind: ClassText, Text: text.String()}, nil
}

// upstreamError wraps a Bedrock failure with its service error code.
// Throttling maps to ErrThrottled.
func upstreamError(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException", "ModelNotReadyException":
			return fmt.Errorf("llm: %s: %w: %w", op, ErrThrottled, err)
		}
		return fmt.Errorf("llm: %s: %s: %w", op, ae.ErrorCode(), err)
	}
	return fmt.Errorf("llm: %s: %w", op, err)
}
