// Package chunkcodec implements the wire-level encoding/decoding between a
// UI chunk stream and bus operations: the publish side turns chunks into
// create/append/update calls; the subscribe side (see subscribe.go) is its
// inverse, including history replay and conflation recovery.
package chunkcodec

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// ErrSourceDone is returned by a ChunkSource once its input is exhausted,
// analogous to io.EOF.
var ErrSourceDone = errors.New("chunkcodec: source exhausted")

// ChunkSource is the lazy input sequence the publish side consumes. Next
// blocks until a chunk is available, the source is exhausted (returning
// ErrSourceDone), or ctx is canceled.
type ChunkSource interface {
	Next(ctx context.Context) (chatproto.UIChunk, error)
}

// PublishOptions configures a single publish run.
type PublishOptions struct {
	Channel  string
	PromptID string
	Logger   zerolog.Logger
}

// Publisher drives the bus side of one outbound chunk stream. One Publisher
// is used for exactly one stream; construct a fresh one per generation.
type Publisher struct {
	bus     bus.Client
	channel string
	promptID string
	log     zerolog.Logger

	state map[string]chatproto.PublishState // chunk id -> serial/type

	pendingMu sync.Mutex
	pendingWG sync.WaitGroup
	firstErr  error
	// lastAppend is closed once the most recently spawned append returns.
	lastAppend chan struct{}

	terminalPublished bool
}

// NewPublisher constructs a Publisher for one outbound stream.
func NewPublisher(client bus.Client, opts PublishOptions) *Publisher {
	return &Publisher{
		bus:      client,
		channel:  opts.Channel,
		promptID: opts.PromptID,
		log:      opts.Logger,
		state:    make(map[string]chatproto.PublishState),
	}
}

func (p *Publisher) headers(extra map[string]string) chatproto.Headers {
	return chatproto.Headers{Role: chatproto.RoleAssistant, PromptID: p.promptID, Extra: extra}
}

// spawnAppend issues an append without awaiting it; its error, if any, surfaces at the next drain.
// Each append waits for the previous one to return before it is sent, so
// appends reach the bus in call order.
func (p *Publisher) spawnAppend(ctx context.Context, serial chatproto.Serial, data string, event string) {
	prev := p.lastAppend
	done := make(chan struct{})
	p.lastAppend = done
	p.pendingWG.Add(1)
	go func() {
		defer p.pendingWG.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		if _, err := p.bus.Append(ctx, p.channel, serial, data, chatproto.AppendMeta{Event: event}); err != nil {
			p.pendingMu.Lock()
			if p.firstErr == nil {
				p.firstErr = &BusWriteError{Op: "append", Err: err}
			}
			p.pendingMu.Unlock()
		}
	}()
}

// drain awaits every in-flight append and returns the first error seen, if
// any.
func (p *Publisher) drain() error {
	p.pendingWG.Wait()
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	err := p.firstErr
	p.firstErr = nil
	return err
}

func (p *Publisher) create(ctx context.Context, name, data string, headers chatproto.Headers, ephemeral bool) (chatproto.Serial, error) {
	ack, err := p.bus.Publish(ctx, p.channel, chatproto.OutboundMessage{Name: name, Data: data, Headers: headers, Ephemeral: ephemeral})
	if err != nil {
		return "", &BusWriteError{Op: "publish", Err: err}
	}
	return ack.Serial, nil
}

func (p *Publisher) update(ctx context.Context, serial chatproto.Serial, name, data string) error {
	if _, err := p.bus.Update(ctx, p.channel, serial, name, data); err != nil {
		return &BusWriteError{Op: "update", Err: err}
	}
	return nil
}

// Run consumes src until it is exhausted or errors, issuing the bus
// operations the chunk's label describes. It returns nil on a clean
// terminal chunk or a drained exhaustion, and a non-nil error (already
// reflected on the wire as a terminal where required) otherwise.
func (p *Publisher) Run(ctx context.Context, src ChunkSource) error {
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, ErrSourceDone) {
			return p.drain()
		}
		if err != nil {
			_ = p.drain()
			p.reflectFailure(ctx, err)
			return &UpstreamReadError{Err: err}
		}

		if err := p.handle(ctx, chunk); err != nil {
			_ = p.drain()
			p.reflectFailure(ctx, err)
			return err
		}

		if chunk.IsTerminal() {
			return p.drain()
		}
	}
}

// reflectFailure terminates a failed Run on the wire: a canceled ctx means
// the caller asked for cancellation, which publishes abort, not error.
// Any other failure (a bus write error, an upstream read error) publishes
// error. Called with ctx already drained of pending appends, so it always
// uses a context detached from ctx's own cancellation to still reach the
// bus.
func (p *Publisher) reflectFailure(ctx context.Context, cause error) {
	if p.terminalPublished {
		return
	}
	detached := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		_ = p.Abort(detached, cause.Error())
		return
	}
	p.publishAbortOrError(detached, cause)
}

// Abort is called on external cancellation: drain pending appends, publish abort iff no terminal has
// been published yet, and return.
func (p *Publisher) Abort(ctx context.Context, reason string) error {
	_ = p.drain()
	if p.terminalPublished {
		return nil
	}
	data := chatproto.MarshalLoose(map[string]any{"reason": reason})
	_, err := p.create(ctx, chatproto.LabelAbort, data, p.headers(nil), false)
	p.terminalPublished = true
	return err
}

func (p *Publisher) publishAbortOrError(ctx context.Context, cause error) {
	data := chatproto.MarshalLoose(map[string]any{"errorText": cause.Error()})
	if _, err := p.create(ctx, chatproto.LabelError, data, p.headers(nil), false); err == nil {
		p.terminalPublished = true
	}
}

func (p *Publisher) handle(ctx context.Context, c chatproto.UIChunk) error {
	switch c.Kind {
	case chatproto.KindStart:
		if c.MessageID == "" && c.MessageMetadata == nil {
			return nil // bare start is synthesized on subscribe, never published
		}
		payload := map[string]any{}
		if c.MessageID != "" {
			payload["messageId"] = c.MessageID
		}
		if c.MessageMetadata != nil {
			payload["messageMetadata"] = c.MessageMetadata
		}
		_, err := p.create(ctx, chatproto.LabelStart, chatproto.MarshalLoose(payload), p.headers(nil), false)
		return err

	case chatproto.KindStartStep:
		return nil // always synthesized on subscribe

	case chatproto.KindFinishStep:
		if err := p.drain(); err != nil {
			return err
		}
		_, err := p.create(ctx, chatproto.LabelStepFinish, "{}", p.headers(nil), false)
		return err

	case chatproto.KindMessageMeta:
		data := chatproto.MarshalLoose(map[string]any{"messageMetadata": c.MessageMetadata})
		_, err := p.create(ctx, chatproto.LabelMetadata, data, p.headers(nil), false)
		return err

	case chatproto.KindFinish:
		if err := p.drain(); err != nil {
			return err
		}
		payload := map[string]any{"finishReason": c.FinishReason}
		if c.MessageMetadata != nil {
			payload["messageMetadata"] = c.MessageMetadata
		}
		_, err := p.create(ctx, chatproto.LabelFinish, chatproto.MarshalLoose(payload), p.headers(nil), false)
		if err == nil {
			p.terminalPublished = true
		}
		return err

	case chatproto.KindError:
		if err := p.drain(); err != nil {
			return err
		}
		data := chatproto.MarshalLoose(map[string]any{"errorText": c.ErrorText})
		_, err := p.create(ctx, chatproto.LabelError, data, p.headers(nil), false)
		if err == nil {
			p.terminalPublished = true
		}
		return err

	case chatproto.KindAbort:
		if err := p.drain(); err != nil {
			return err
		}
		payload := map[string]any{}
		if c.AbortReason != "" {
			payload["reason"] = c.AbortReason
		}
		_, err := p.create(ctx, chatproto.LabelAbort, chatproto.MarshalLoose(payload), p.headers(nil), false)
		if err == nil {
			p.terminalPublished = true
		}
		return err

	case chatproto.KindTextStart:
		serial, err := p.create(ctx, chatproto.TextLabel(c.ID), "", p.headers(nil), false)
		if err != nil {
			return err
		}
		p.state[c.ID] = chatproto.PublishState{Serial: serial, Type: chatproto.TrackerText}
		return nil

	case chatproto.KindTextDelta:
		ps, ok := p.state[c.ID]
		if !ok {
			return nil // no create preceded it; nothing to append to
		}
		p.spawnAppend(ctx, ps.Serial, c.Delta, "text-delta")
		return nil

	case chatproto.KindTextEnd:
		ps, ok := p.state[c.ID]
		if !ok {
			return nil
		}
		p.spawnAppend(ctx, ps.Serial, "", "text-end")
		delete(p.state, c.ID)
		return nil

	case chatproto.KindReasoningStart:
		serial, err := p.create(ctx, chatproto.ReasoningLabel(c.ID), "", p.headers(nil), false)
		if err != nil {
			return err
		}
		p.state[c.ID] = chatproto.PublishState{Serial: serial, Type: chatproto.TrackerReasoning}
		return nil

	case chatproto.KindReasoningDelta:
		ps, ok := p.state[c.ID]
		if !ok {
			return nil
		}
		p.spawnAppend(ctx, ps.Serial, c.Delta, "reasoning-delta")
		return nil

	case chatproto.KindReasoningEnd:
		ps, ok := p.state[c.ID]
		if !ok {
			return nil
		}
		p.spawnAppend(ctx, ps.Serial, "", "reasoning-end")
		delete(p.state, c.ID)
		return nil

	case chatproto.KindToolInputStart:
		serial, err := p.create(ctx, chatproto.ToolLabel(c.ToolCallID, c.ToolName), "", p.headers(nil), false)
		if err != nil {
			return err
		}
		p.state[c.ToolCallID] = chatproto.PublishState{Serial: serial, Type: chatproto.TrackerToolInput}
		return nil

	case chatproto.KindToolInputDelta:
		ps, ok := p.state[c.ToolCallID]
		if !ok {
			return nil
		}
		p.spawnAppend(ctx, ps.Serial, c.InputDelta, "tool-input-delta")
		return nil

	case chatproto.KindToolInputAvailable:
		if ps, ok := p.state[c.ToolCallID]; ok {
			// streaming case: a create already exists, just terminate input.
			p.spawnAppend(ctx, ps.Serial, "", "tool-input-end")
			return nil
		}
		// non-streaming case: this chunk IS the create.
		headers := p.headers(map[string]string{"event": "tool-input-available"})
		serial, err := p.create(ctx, chatproto.ToolLabel(c.ToolCallID, c.ToolName), chatproto.MarshalLoose(c.Input), headers, false)
		if err != nil {
			return err
		}
		p.state[c.ToolCallID] = chatproto.PublishState{Serial: serial, Type: chatproto.TrackerToolInput}
		return nil

	case chatproto.KindToolInputError:
		ps, ok := p.state[c.ToolCallID]
		if !ok {
			// silently dropped: callers should ensure a create precedes this.
			return nil
		}
		data := chatproto.MarshalLoose(map[string]any{"errorText": c.ErrorText})
		if err := p.update(ctx, ps.Serial, chatproto.ToolErrorLabel(c.ToolCallID), data); err != nil {
			return err
		}
		delete(p.state, c.ToolCallID)
		return nil

	case chatproto.KindToolOutputAvailable:
		ps, ok := p.state[c.ToolCallID]
		if !ok {
			return nil
		}
		data := chatproto.MarshalLoose(map[string]any{"output": c.Output})
		if err := p.update(ctx, ps.Serial, chatproto.ToolOutputLabel(c.ToolCallID), data); err != nil {
			return err
		}
		delete(p.state, c.ToolCallID)
		return nil

	case chatproto.KindToolOutputError:
		ps, ok := p.state[c.ToolCallID]
		if !ok {
			return nil
		}
		data := chatproto.MarshalLoose(map[string]any{"errorText": c.ErrorText})
		if err := p.update(ctx, ps.Serial, chatproto.ToolErrorLabel(c.ToolCallID), data); err != nil {
			return err
		}
		delete(p.state, c.ToolCallID)
		return nil

	case chatproto.KindToolOutputDenied:
		ps, ok := p.state[c.ToolCallID]
		if !ok {
			return nil
		}
		if err := p.update(ctx, ps.Serial, chatproto.ToolDeniedLabel(c.ToolCallID), "{}"); err != nil {
			return err
		}
		delete(p.state, c.ToolCallID)
		return nil

	case chatproto.KindToolApprovalRequest:
		data := chatproto.MarshalLoose(map[string]any{"approvalId": c.ApprovalID})
		_, err := p.create(ctx, chatproto.ToolApprovalLabel(c.ToolCallID), data, p.headers(nil), false)
		return err

	case chatproto.KindFile:
		_, err := p.create(ctx, chatproto.LabelFile, chatproto.MarshalLoose(c.File), p.headers(nil), false)
		return err

	case chatproto.KindSourceURL:
		_, err := p.create(ctx, chatproto.LabelSourceURL, chatproto.MarshalLoose(c.Source), p.headers(nil), false)
		return err

	case chatproto.KindSourceDocument:
		_, err := p.create(ctx, chatproto.LabelSourceDoc, chatproto.MarshalLoose(c.Source), p.headers(nil), false)
		return err

	case chatproto.KindData:
		payload := map[string]any{"data": c.Data}
		if c.ID != "" {
			payload["id"] = c.ID
		}
		_, err := p.create(ctx, chatproto.DataLabel(c.DataName), chatproto.MarshalLoose(payload), p.headers(nil), c.Transient)
		return err

	default:
		p.log.Warn().Str("kind", string(c.Kind)).Msg("chunkcodec: unknown chunk kind on publish")
		return nil
	}
}
