// Package chattransport implements the client side of the streaming chat
// transport: sending messages, reconnecting to an in-progress stream,
// loading history, and watching agent presence. Grounded on the
// subscribe-drive-loop shape of internal/reconnect and internal/presence,
// composed behind the one surface a UI client actually calls.
package chattransport

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/internal/history"
	"github.com/chatbus/chatbus/internal/presence"
	"github.com/chatbus/chatbus/internal/reconnect"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// Trigger distinguishes a fresh submission from a regenerate request.
type Trigger string

const (
	TriggerSubmitMessage     Trigger = "submit-message"
	TriggerRegenerateMessage Trigger = "regenerate-message"
)

// SendOptions describes one sendMessages call.
type SendOptions struct {
	Trigger   Trigger
	MessageID string // carried as data.messageId for a regenerate trigger
	Message   chatproto.LogicalMessage
}

// HistoryResult is returned by LoadChatHistory.
type HistoryResult struct {
	Messages        []chatproto.LogicalMessage `json:"messages"`
	HasActiveStream bool                       `json:"hasActiveStream"`
}

// Transport is the client-facing handle for one chat channel. Only one
// generation may be in flight at a time: a second SendMessages call closes
// the first stream synchronously before publishing.
type Transport struct {
	client  bus.Client
	channel string
	log     zerolog.Logger

	mu           sync.Mutex
	activeCancel context.CancelFunc
}

// New constructs a Transport bound to one channel.
func New(client bus.Client, channel string, log zerolog.Logger) *Transport {
	return &Transport{client: client, channel: channel, log: log}
}

// newPromptID mints a fresh prompt identifier, one per sendMessages call.
func newPromptID() string { return ulid.Make().String() }

// closeActive cancels and forgets whatever stream is currently in flight,
// synchronously, before starting a new one.
func (t *Transport) closeActive() {
	t.mu.Lock()
	cancel := t.activeCancel
	t.activeCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendMessages publishes a chat-message or regenerate event with a fresh
// promptId, then returns a subscribe stream filtered to that prompt. The
// returned channel is closed when the generation reaches a terminal chunk
// or ctx is canceled. abortCh, if non-nil, is watched for a user-initiated
// abort: closing it publishes user-abort but leaves the stream open to
// receive the generation's final chunks.
func (t *Transport) SendMessages(ctx context.Context, opts SendOptions, abortCh <-chan struct{}) (<-chan chatproto.UIChunk, error) {
	t.closeActive()

	promptID := newPromptID()
	name := chatproto.EventChatMessage
	var data string
	if opts.Trigger == TriggerRegenerateMessage {
		name = chatproto.EventRegenerate
		payload := map[string]any{}
		if opts.MessageID != "" {
			payload["messageId"] = opts.MessageID
		}
		data = chatproto.MarshalLoose(payload)
	} else {
		payload := map[string]any{"id": opts.Message.ID}
		if len(opts.Message.Parts) > 0 {
			payload["text"] = opts.Message.Parts[0].Text
		}
		data = chatproto.MarshalLoose(payload)
	}

	headers := chatproto.Headers{Role: chatproto.RoleUser, PromptID: promptID}
	if _, err := t.client.Publish(ctx, t.channel, chatproto.OutboundMessage{Name: name, Data: data, Headers: headers}); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.activeCancel = cancel
	t.mu.Unlock()

	if abortCh != nil {
		go func() {
			select {
			case <-abortCh:
				_, _ = t.client.Publish(context.WithoutCancel(ctx), t.channel, chatproto.OutboundMessage{
					Name:    chatproto.EventUserAbort,
					Data:    "{}",
					Headers: headers,
				})
			case <-streamCtx.Done():
			}
		}()
	}

	// Force: we just published the event that's meant to produce this
	// stream, so "history already looks terminal" must not short-circuit
	// it away — see reconnect.Options.Force.
	out, err := t.attach(streamCtx, promptID, true)
	if err != nil {
		cancel()
		return nil, err
	}
	return out, nil
}

// ReconnectToStream runs the late-join protocol with no promptId filter,
// picking up whatever generation (if any) is currently active on the
// channel. It returns a nil channel and no error when there is nothing to
// join.
func (t *Transport) ReconnectToStream(ctx context.Context) (<-chan chatproto.UIChunk, error) {
	t.closeActive()

	streamCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.activeCancel = cancel
	t.mu.Unlock()

	out, err := t.attach(streamCtx, "", false)
	if err != nil {
		cancel()
		return nil, err
	}
	if out == nil {
		cancel()
	}
	return out, nil
}

func (t *Transport) attach(ctx context.Context, promptFilter string, force bool) (<-chan chatproto.UIChunk, error) {
	_, sub, out, ok, err := reconnect.Attach(ctx, t.client, reconnect.Options{
		Channel:      t.channel,
		PromptFilter: promptFilter,
		Force:        force,
		Logger:       t.log,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return out, nil
}

// LoadChatHistory fetches the channel's history up to the attach point and
// folds it into the logical message list a UI hydrates from.
func (t *Transport) LoadChatHistory(ctx context.Context, limit int) (HistoryResult, error) {
	if limit <= 0 {
		limit = reconnect.DefaultHistoryLimit
	}
	raw, err := t.client.History(ctx, t.channel, bus.HistoryOptions{UntilAttach: true, Limit: limit})
	if err != nil {
		return HistoryResult{}, err
	}
	chronological := make([]chatproto.InboundMessage, len(raw))
	for i, msg := range raw {
		chronological[len(raw)-1-i] = msg
	}
	result := history.Reconstruct(chronological)
	return HistoryResult{Messages: result.Messages, HasActiveStream: result.HasActiveStream}, nil
}

// OnAgentPresenceChange watches the channel's presence set for agent-typed
// members and calls cb(true|false) whenever their count crosses zero. It
// returns an unsubscribe function.
func (t *Transport) OnAgentPresenceChange(ctx context.Context, cb func(online bool)) (func(), error) {
	handle, err := t.client.Presence(ctx, t.channel)
	if err != nil {
		return nil, err
	}
	obs := presence.NewObserver(handle, presence.DefaultAgentType)
	unsub, err := obs.Watch(ctx, cb)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	return func() {
		unsub()
		_ = handle.Close()
	}, nil
}

// Close cancels whatever stream is currently in flight.
func (t *Transport) Close() error {
	t.closeActive()
	return nil
}

var _ chunkcodec.ChunkSource = (*chunkSourceAdapter)(nil)

// chunkSourceAdapter lets a Transport's output channel be replayed through
// a Publisher where a caller wants to re-broadcast a chunk stream it
// doesn't own (e.g. a bridging HTTP handler), without depending on
// chatsession.
type chunkSourceAdapter struct {
	ch <-chan chatproto.UIChunk
}

func (a *chunkSourceAdapter) Next(ctx context.Context) (chatproto.UIChunk, error) {
	select {
	case c, ok := <-a.ch:
		if !ok {
			return chatproto.UIChunk{}, chunkcodec.ErrSourceDone
		}
		return c, nil
	case <-ctx.Done():
		return chatproto.UIChunk{}, ctx.Err()
	}
}

// AsChunkSource adapts a UI chunk channel (e.g. the output of SendMessages
// or ReconnectToStream) into a chunkcodec.ChunkSource.
func AsChunkSource(ch <-chan chatproto.UIChunk) chunkcodec.ChunkSource {
	return &chunkSourceAdapter{ch: ch}
}
