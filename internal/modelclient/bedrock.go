package modelclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/chatbus/chatbus/internal/chatsession"
	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// BedrockOptions configures a BedrockHandler.
type BedrockOptions struct {
	Client  *bedrockruntime.Client
	ModelID string
	System  string
}

// RuntimeClient captures the subset of the Bedrock runtime SDK used by
// BedrockHandler, satisfied by *bedrockruntime.Client so tests can
// substitute a stub that feeds a fixed event sequence.
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockHandler implements chatsession.Handler via the Bedrock
// ConverseStream API.
type BedrockHandler struct {
	runtime RuntimeClient
	modelID string
	system  string
}

// NewBedrockHandler builds a Handler backed by a configured bedrockruntime.Client.
func NewBedrockHandler(opts BedrockOptions) *BedrockHandler {
	return &BedrockHandler{runtime: opts.Client, modelID: opts.ModelID, system: opts.System}
}

var _ chatsession.Handler = (*BedrockHandler)(nil)

// Generate streams one assistant reply for req.Messages.
func (h *BedrockHandler) Generate(ctx context.Context, req chatsession.GenerateRequest) (chunkcodec.ChunkSource, error) {
	if len(req.Messages) == 0 {
		return nil, errEmptyMessages
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(h.modelID),
		Messages: encodeBedrockMessages(req.Messages),
	}
	if h.system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: h.system}}
	}

	out, err := h.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, err
	}

	src := newChunkSource()
	go runBedrockStream(ctx, out.GetStream(), src)
	return src, nil
}

func encodeBedrockMessages(msgs []chatproto.LogicalMessage) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(msgs))
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
		role := brtypes.ConversationRoleUser
		if m.Role == chatproto.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		})
	}
	return out
}

// runBedrockStream translates a ConverseStream event stream into our
// text-start/text-delta/text-end/finish sequence, mapping only the text
// delta path (tool use is out of scope for this reference handler).
func runBedrockStream(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, src *chunkSource) {
	defer close(src.ch)
	defer func() { _ = stream.Close() }()

	messageID := newMessageID()
	textID := ""
	finishReason := "stop"
	events := stream.Events()

eventLoop:
	for {
		var event any
		var ok bool
		select {
		case <-ctx.Done():
			src.fail(ctx.Err())
			return
		case event, ok = <-events:
			if !ok {
				break eventLoop
			}
		}
		switch ev := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			if _, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); !ok {
				textID = messageID
				if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextStart, ID: textID}); err != nil {
					src.fail(err)
					return
				}
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if delta, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && delta.Value != "" && textID != "" {
				if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextDelta, ID: textID, Delta: delta.Value}); err != nil {
					src.fail(err)
					return
				}
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockStop:
			if textID != "" {
				if err := src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindTextEnd, ID: textID}); err != nil {
					src.fail(err)
					return
				}
				textID = ""
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			finishReason = string(ev.Value.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		src.fail(err)
		return
	}
	_ = src.emit(ctx, chatproto.UIChunk{Kind: chatproto.KindFinish, FinishReason: finishReason, MessageID: messageID})
}
