package modelclient

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chatbus/chatbus/internal/chatsession"
	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// AnthropicOptions configures an AnthropicHandler.
type AnthropicOptions struct {
	APIKey string
	Model  string // e.g. string(sdk.ModelClaudeSonnet4_5)
	System string
}

// MessagesClient captures the subset of the Anthropic SDK used by
// AnthropicHandler, satisfied by *sdk.MessageService so tests can substitute
// a stub that feeds a fixed event sequence.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicHandler implements chatsession.Handler via the Anthropic
// Messages streaming API.
type AnthropicHandler struct {
	client MessagesClient
	model  string
	system string
}

// NewAnthropicHandler builds a Handler backed by sdk.NewClient.
func NewAnthropicHandler(opts AnthropicOptions) *AnthropicHandler {
	sdkClient := sdk.NewClient(option.WithAPIKey(opts.APIKey))
	return newAnthropicHandler(&sdkClient.Messages, opts)
}

func newAnthropicHandler(client MessagesClient, opts AnthropicOptions) *AnthropicHandler {
	return &AnthropicHandler{client: client, model: opts.Model, system: opts.System}
}

var _ chatsession.Handler = (*AnthropicHandler)(nil)

// Generate streams one assistant reply for req.Messages.
func (h *AnthropicHandler) Generate(ctx context.Context, req chatsession.GenerateRequest) (chunkcodec.ChunkSource, error) {
	if len(req.Messages) == 0 {
		return nil, errEmptyMessages
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(h.model),
		MaxTokens: 4096,
		Messages:  encodeAnthropicMessages(req.Messages),
	}
	if h.system != "" {
		params.System = []sdk.TextBlockParam{{Text: h.system}}
	}

	stream := h.client.NewStreaming(ctx, params)
	src := newChunkSource()
	go runAnthropicStream(ctx, stream, src)
	return src, nil
}

func encodeAnthropicMessages(msgs []chatproto.LogicalMessage) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var text string
		for _, p := range m.Parts {
			if p.Kind == chatproto.PartKindText {
				text += p.Text
			}
		}
		if text == "" {
			continue
		}
		if m.Role == chatproto.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		} else {
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(text)))
		}
	}
	return out
}

// runAnthropicStream translates Anthropic's content-block event stream into
// our text-start/text-delta/text-end/finish chunk sequence. Only the text
// path is mapped: tool use and thinking blocks are out of scope for this
// reference handler, which treats model invocation as an opaque text
// generator.
func runAnthropicStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], src *chunkSource) {
	defer close(src.ch)
	defer func() { _ = stream.Close() }()

	messageID := newMessageID()
	textID := ""
	finishReason := "stop"

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if _, ok := ev.ContentBlock.AsAny().(sdk.TextBlock); ok {
				textID = messageID
				if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextStart, ID: textID}); err != nil {
					src.fail(err)
					return
				}
			}
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" && textID != "" {
				if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextDelta, ID: textID, Delta: delta.Text}); err != nil {
					src.fail(err)
					return
				}
			}
		case sdk.ContentBlockStopEvent:
			if textID != "" {
				if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextEnd, ID: textID}); err != nil {
					src.fail(err)
					return
				}
				textID = ""
			}
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				finishReason = string(ev.Delta.StopReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		src.fail(err)
		return
	}
	_ = src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindFinish, FinishReason: finishReason, MessageID: messageID})
}
