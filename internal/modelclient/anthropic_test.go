package modelclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/chatbus/chatbus/internal/chatsession"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// testDecoder feeds a fixed sequence of events to an ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }
func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	return s.stream
}

func TestAnthropicHandlerGenerate_TextDeltas(t *testing.T) {
	textStart := unmarshalEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	textDelta := unmarshalEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi there"}}`)
	textStop := unmarshalEvent(t, `{"type":"content_block_stop","index":0}`)
	msgDelta := unmarshalEvent(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":0}}`)

	events := []ssestream.Event{
		{Type: "content_block_start", Data: mustJSON(t, textStart)},
		{Type: "content_block_delta", Data: mustJSON(t, textDelta)},
		{Type: "content_block_stop", Data: mustJSON(t, textStop)},
		{Type: "message_delta", Data: mustJSON(t, msgDelta)},
	}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
	client := &stubMessagesClient{stream: stream}

	h := newAnthropicHandler(client, AnthropicOptions{Model: "claude-test"})
	var _ chatsession.Handler = h

	src, err := h.Generate(context.Background(), chatsession.GenerateRequest{
		Messages: []chatproto.LogicalMessage{
			{Role: chatproto.RoleUser, Parts: []chatproto.Part{{Kind: chatproto.PartKindText, Text: "hello"}}},
		},
	})
	require.NoError(t, err)

	chunks := drainSource(t, src)
	require.NotEmpty(t, chunks)
	require.Equal(t, chatproto.KindTextStart, chunks[0].Kind)

	var sawDelta, sawFinish bool
	for _, c := range chunks {
		if c.Kind == chatproto.KindTextDelta && c.Delta == "hi there" {
			sawDelta = true
		}
		if c.Kind == chatproto.KindFinish {
			sawFinish = true
			require.Equal(t, "end_turn", c.FinishReason)
		}
	}
	require.True(t, sawDelta, "expected a text-delta chunk")
	require.True(t, sawFinish, "expected a finish chunk")
	require.Equal(t, "claude-test", string(client.lastParams.Model))
}

func TestAnthropicHandlerGenerate_EmptyMessages(t *testing.T) {
	h := newAnthropicHandler(&stubMessagesClient{}, AnthropicOptions{Model: "claude-test"})
	_, err := h.Generate(context.Background(), chatsession.GenerateRequest{})
	require.ErrorIs(t, err, errEmptyMessages)
}

func unmarshalEvent(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func drainSource(t *testing.T, src interface {
	Next(ctx context.Context) (chatproto.UIChunk, error)
}) []chatproto.UIChunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var chunks []chatproto.UIChunk
	for {
		c, err := src.Next(ctx)
		if err != nil {
			return chunks
		}
		chunks = append(chunks, c)
		if c.Kind == chatproto.KindFinish || c.Kind == chatproto.KindError {
			return chunks
		}
	}
}
