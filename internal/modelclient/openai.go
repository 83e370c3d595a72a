package modelclient

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/chatbus/chatbus/internal/chatsession"
	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// OpenAIOptions configures an OpenAIHandler.
type OpenAIOptions struct {
	APIKey string
	Model  string
	System string
}

// ChatCompletionsClient captures the subset of the OpenAI SDK used by
// OpenAIHandler, satisfied by *openai.ChatCompletionService so tests can
// substitute a stub that feeds a fixed chunk sequence.
type ChatCompletionsClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIHandler implements chatsession.Handler via the OpenAI Chat
// Completions streaming API.
type OpenAIHandler struct {
	client ChatCompletionsClient
	model  string
	system string
}

// NewOpenAIHandler builds a Handler backed by openai.NewClient.
func NewOpenAIHandler(opts OpenAIOptions) *OpenAIHandler {
	sdkClient := openai.NewClient(option.WithAPIKey(opts.APIKey))
	return newOpenAIHandler(&sdkClient.Chat.Completions, opts)
}

func newOpenAIHandler(client ChatCompletionsClient, opts OpenAIOptions) *OpenAIHandler {
	return &OpenAIHandler{client: client, model: opts.Model, system: opts.System}
}

var _ chatsession.Handler = (*OpenAIHandler)(nil)

// Generate streams one assistant reply for req.Messages.
func (h *OpenAIHandler) Generate(ctx context.Context, req chatsession.GenerateRequest) (chunkcodec.ChunkSource, error) {
	if len(req.Messages) == 0 {
		return nil, errEmptyMessages
	}

	params := openai.ChatCompletionNewParams{
		Model:    h.model,
		Messages: encodeOpenAIMessages(h.system, req.Messages),
	}

	stream := h.client.NewStreaming(ctx, params)
	src := newChunkSource()
	go runOpenAIStream(ctx, stream, src)
	return src, nil
}

func encodeOpenAIMessages(system string, msgs []chatproto.LogicalMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
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
			out = append(out, openai.AssistantMessage(text))
		} else {
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

// runOpenAIStream translates a ChatCompletionChunk stream into our
// text-start/text-delta/text-end/finish sequence. OpenAI's wire format has
// no explicit start/stop markers for the assistant's text content, so
// text-start is synthesized on the first non-empty delta and text-end on
// the chunk carrying a finish_reason.
func runOpenAIStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], src *chunkSource) {
	defer close(src.ch)
	defer func() { _ = stream.Close() }()

	messageID := newMessageID()
	started := false
	finishReason := "stop"

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !started {
				started = true
				if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextStart, ID: messageID}); err != nil {
					src.fail(err)
					return
				}
			}
			if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextDelta, ID: messageID, Delta: choice.Delta.Content}); err != nil {
				src.fail(err)
				return
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		src.fail(err)
		return
	}
	if started {
		if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextEnd, ID: messageID}); err != nil {
			src.fail(err)
			return
		}
	}
	_ = src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindFinish, FinishReason: finishReason, MessageID: messageID})
}
