package chunkcodec

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// SubscribeOptions configures a Subscriber.
type SubscribeOptions struct {
	// PromptFilter, when non-empty, drops every create whose
	// headers.promptId doesn't match, together with the appends and
	// updates that address its serial.
	PromptFilter string
	Logger       zerolog.Logger
}

// Subscriber is the inverse of Publisher: it turns a sequence of inbound
// bus messages (live or replayed) back into UI chunks.
type Subscriber struct {
	opts     SubscribeOptions
	trackers map[chatproto.Serial]*chatproto.SerialTracker
	rejected map[chatproto.Serial]bool
	emit     chatproto.EmitState
	closed   bool
	log      zerolog.Logger
}

// NewSubscriber constructs a Subscriber. The caller drives it by handing
// inbound messages to Handle (live) or HandleHistoryEntry (replay, see
// reconnect.go).
func NewSubscriber(opts SubscribeOptions) *Subscriber {
	return &Subscriber{
		opts:     opts,
		trackers: make(map[chatproto.Serial]*chatproto.SerialTracker),
		rejected: make(map[chatproto.Serial]bool),
		log:      opts.Logger,
	}
}

// Closed reports whether a terminal chunk has already been emitted; callers
// must stop feeding messages once true.
func (s *Subscriber) Closed() bool { return s.closed }

// skip drops client-published echoes and, when a prompt filter is set,
// messages from a superseded generation. Only a create carries
// headers.promptId on the wire, so a create is filtered directly by that
// header; an append/update inherits its create's verdict via the serial it
// shares with it, recorded in rejected when the create was filtered.
func (s *Subscriber) skip(msg chatproto.InboundMessage) bool {
	if chatproto.IsClientPublished(msg.Name) {
		return true
	}
	if s.opts.PromptFilter == "" {
		return false
	}
	if msg.Action == chatproto.ActionCreate {
		if msg.Headers.PromptID != s.opts.PromptFilter {
			s.rejected[msg.Serial] = true
			return true
		}
		return false
	}
	return s.rejected[msg.Serial]
}

// Run drains sub, emitting UI chunks to out, until a terminal chunk, a
// fatal channel state, or ctx cancellation.
func (s *Subscriber) Run(ctx context.Context, sub bus.Subscription, out chan<- chatproto.UIChunk) error {
	for !s.closed {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.emitErr(out, "Channel error: "+err.Error())
			return &TransportError{Err: err}
		}
		if s.skip(msg) {
			continue
		}
		s.Handle(msg, out)
	}
	return nil
}

// ensureStart emits a synthetic start and start-step, once each, before
// the first content chunk of a stream that never carried its own.
func (s *Subscriber) ensureStart(out chan<- chatproto.UIChunk) {
	if s.emit.NeedsStart() {
		out <- chatproto.UIChunk{Kind: chatproto.KindStart}
		s.emit.HasEmittedStart = true
	}
	if s.emit.NeedsStepStart() {
		out <- chatproto.UIChunk{Kind: chatproto.KindStartStep}
		s.emit.HasEmittedStepStart = true
	}
}

func (s *Subscriber) emitErr(out chan<- chatproto.UIChunk, text string) {
	if s.closed {
		return
	}
	out <- chatproto.UIChunk{Kind: chatproto.KindError, ErrorText: text}
	s.closed = true
}

// Handle routes one live inbound message by its bus action.
func (s *Subscriber) Handle(msg chatproto.InboundMessage, out chan<- chatproto.UIChunk) {
	if s.closed || s.skip(msg) {
		return
	}
	switch msg.Action {
	case chatproto.ActionCreate:
		s.handleCreate(msg, out)
	case chatproto.ActionAppend:
		s.handleAppend(msg, out)
	case chatproto.ActionUpdate:
		s.handleUpdate(msg, out)
	}
}

func (s *Subscriber) handleCreate(msg chatproto.InboundMessage, out chan<- chatproto.UIChunk) {
	label := chatproto.ParseLabel(msg.Name)
	switch label.Prefix {
	case "text":
		s.trackers[msg.Serial] = &chatproto.SerialTracker{Type: chatproto.TrackerText, ID: label.ID}
		s.ensureStart(out)
		out <- chatproto.UIChunk{Kind: chatproto.KindTextStart, ID: label.ID}

	case "reasoning":
		s.trackers[msg.Serial] = &chatproto.SerialTracker{Type: chatproto.TrackerReasoning, ID: label.ID}
		s.ensureStart(out)
		out <- chatproto.UIChunk{Kind: chatproto.KindReasoningStart, ID: label.ID}

	case "tool":
		s.ensureStart(out)
		if msg.Headers.Event == "tool-input-available" || msg.Event == "tool-input-available" {
			s.trackers[msg.Serial] = &chatproto.SerialTracker{Type: chatproto.TrackerToolInput, ID: label.ID, ToolName: label.ToolName, Accumulated: msg.Data}
			input := chatproto.LooseObject(msg.Data)
			out <- chatproto.UIChunk{Kind: chatproto.KindToolInputAvailable, ToolCallID: label.ID, ToolName: label.ToolName, Input: input}
			return
		}
		s.trackers[msg.Serial] = &chatproto.SerialTracker{Type: chatproto.TrackerToolInput, ID: label.ID, ToolName: label.ToolName}
		out <- chatproto.UIChunk{Kind: chatproto.KindToolInputStart, ToolCallID: label.ID, ToolName: label.ToolName}

	case "tool-approval":
		s.ensureStart(out)
		approvalID, _ := chatproto.LooseField(msg.Data, "approvalId")
		out <- chatproto.UIChunk{Kind: chatproto.KindToolApprovalRequest, ToolCallID: label.ID, ApprovalID: approvalID.String()}

	case "step-finish":
		out <- chatproto.UIChunk{Kind: chatproto.KindFinishStep}
		s.emit.HasEmittedStepStart = false

	case "start":
		obj := chatproto.LooseObject(msg.Data)
		chunk := chatproto.UIChunk{Kind: chatproto.KindStart}
		if v, ok := obj["messageId"].(string); ok {
			chunk.MessageID = v
		}
		if v, ok := obj["messageMetadata"].(map[string]any); ok {
			chunk.MessageMetadata = v
		}
		out <- chunk
		s.emit.HasEmittedStart = true

	case "finish":
		obj := chatproto.LooseObject(msg.Data)
		chunk := chatproto.UIChunk{Kind: chatproto.KindFinish}
		if v, ok := obj["finishReason"].(string); ok {
			chunk.FinishReason = v
		}
		if v, ok := obj["messageMetadata"].(map[string]any); ok {
			chunk.MessageMetadata = v
		}
		out <- chunk
		s.closed = true

	case "error":
		obj := chatproto.LooseObject(msg.Data)
		errorText, _ := obj["errorText"].(string)
		out <- chatproto.UIChunk{Kind: chatproto.KindError, ErrorText: errorText}
		s.closed = true

	case "abort":
		obj := chatproto.LooseObject(msg.Data)
		reason, _ := obj["reason"].(string)
		out <- chatproto.UIChunk{Kind: chatproto.KindAbort, AbortReason: reason}
		s.closed = true

	case "metadata":
		obj := chatproto.LooseObject(msg.Data)
		meta, _ := obj["messageMetadata"].(map[string]any)
		out <- chatproto.UIChunk{Kind: chatproto.KindMessageMeta, MessageMetadata: meta}

	case "file":
		obj := chatproto.LooseObject(msg.Data)
		out <- chatproto.UIChunk{Kind: chatproto.KindFile, File: filePayloadFrom(obj), Transient: msg.Ephemeral}

	case "source-url":
		obj := chatproto.LooseObject(msg.Data)
		out <- chatproto.UIChunk{Kind: chatproto.KindSourceURL, Source: sourcePayloadFrom(obj), Transient: msg.Ephemeral}

	case "source-document":
		obj := chatproto.LooseObject(msg.Data)
		out <- chatproto.UIChunk{Kind: chatproto.KindSourceDocument, Source: sourcePayloadFrom(obj), Transient: msg.Ephemeral}

	case "data":
		s.ensureStart(out)
		obj := chatproto.LooseObject(msg.Data)
		id, _ := obj["id"].(string)
		out <- chatproto.UIChunk{Kind: chatproto.KindData, DataName: label.ID, Data: obj["data"], ID: id, Transient: msg.Ephemeral}

	default:
		// unknown label: ignored
	}
}

// HandleHistoryEntry routes one folded history row (bus.FoldHistory has
// already merged any appends into their create, so a "text"/"reasoning"/
// streaming-"tool" create here can already carry an accumulated body and a
// terminal sub-event). It registers the tracker, emits the missing start,
// then immediately emits the accumulated body as a single delta and, if the
// row's event already marks the chunk closed, the matching end/available
// chunk too. Updates and already-closed creates need no special handling
// and fall through to the live routing in Handle.
func (s *Subscriber) HandleHistoryEntry(msg chatproto.InboundMessage, out chan<- chatproto.UIChunk) {
	if s.closed || s.skip(msg) {
		return
	}
	switch msg.Action {
	case chatproto.ActionAppend:
		s.handleAppend(msg, out)
		return
	case chatproto.ActionUpdate:
		s.handleUpdate(msg, out)
		return
	}

	label := chatproto.ParseLabel(msg.Name)
	switch label.Prefix {
	case "text", "reasoning":
		trackerType := chatproto.TrackerText
		startKind := chatproto.KindTextStart
		if label.Prefix == "reasoning" {
			trackerType = chatproto.TrackerReasoning
			startKind = chatproto.KindReasoningStart
		}
		t := &chatproto.SerialTracker{Type: trackerType, ID: label.ID}
		s.trackers[msg.Serial] = t
		s.ensureStart(out)
		out <- chatproto.UIChunk{Kind: startKind, ID: label.ID}
		if msg.Data != "" {
			t.Accumulated = msg.Data
			out <- deltaChunk(trackerType, label.ID, msg.Data)
		}
		if isEndEvent(trackerType, msg.Event) {
			out <- endChunk(trackerType, label.ID)
			delete(s.trackers, msg.Serial)
		}

	case "tool":
		if msg.Headers.Event == "tool-input-available" || msg.Event == "tool-input-available" {
			s.handleCreate(msg, out)
			return
		}
		s.ensureStart(out)
		t := &chatproto.SerialTracker{Type: chatproto.TrackerToolInput, ID: label.ID, ToolName: label.ToolName}
		s.trackers[msg.Serial] = t
		out <- chatproto.UIChunk{Kind: chatproto.KindToolInputStart, ToolCallID: label.ID, ToolName: label.ToolName}
		if msg.Data != "" {
			t.Accumulated = msg.Data
			out <- chatproto.UIChunk{Kind: chatproto.KindToolInputDelta, ToolCallID: label.ID, InputDelta: msg.Data}
		}
		if msg.Event == "tool-input-end" {
			input := chatproto.LooseObject(t.Accumulated)
			out <- chatproto.UIChunk{Kind: chatproto.KindToolInputAvailable, ToolCallID: label.ID, ToolName: label.ToolName, Input: input}
		}

	default:
		s.handleCreate(msg, out)
	}
}

func filePayloadFrom(obj map[string]any) *chatproto.FilePayload {
	f := &chatproto.FilePayload{}
	f.URL, _ = obj["url"].(string)
	f.MediaType, _ = obj["mediaType"].(string)
	f.Filename, _ = obj["filename"].(string)
	return f
}

func sourcePayloadFrom(obj map[string]any) *chatproto.SourcePayload {
	s := &chatproto.SourcePayload{}
	s.SourceID, _ = obj["sourceId"].(string)
	s.URL, _ = obj["url"].(string)
	s.Title, _ = obj["title"].(string)
	s.MediaType, _ = obj["mediaType"].(string)
	return s
}

// synthesizeOrphan recovers from an append/update whose serial has no
// tracker (its create fell outside the attach window or the live buffer)
// by reconstructing one from the message name and emitting the missing
// *-start first.
func (s *Subscriber) synthesizeOrphan(msg chatproto.InboundMessage, out chan<- chatproto.UIChunk) *chatproto.SerialTracker {
	label := chatproto.ParseLabel(msg.Name)
	var t *chatproto.SerialTracker
	switch label.Prefix {
	case "text":
		t = &chatproto.SerialTracker{Type: chatproto.TrackerText, ID: label.ID}
		s.ensureStart(out)
		out <- chatproto.UIChunk{Kind: chatproto.KindTextStart, ID: label.ID}
	case "reasoning":
		t = &chatproto.SerialTracker{Type: chatproto.TrackerReasoning, ID: label.ID}
		s.ensureStart(out)
		out <- chatproto.UIChunk{Kind: chatproto.KindReasoningStart, ID: label.ID}
	case "tool", "tool-output", "tool-error", "tool-denied":
		t = &chatproto.SerialTracker{Type: chatproto.TrackerToolInput, ID: label.ID, ToolName: label.ToolName}
		s.ensureStart(out)
		out <- chatproto.UIChunk{Kind: chatproto.KindToolInputStart, ToolCallID: label.ID, ToolName: label.ToolName}
	default:
		return nil
	}
	s.trackers[msg.Serial] = t
	return t
}

func (s *Subscriber) handleAppend(msg chatproto.InboundMessage, out chan<- chatproto.UIChunk) {
	t, ok := s.trackers[msg.Serial]
	if !ok {
		t = s.synthesizeOrphan(msg, out)
		if t == nil {
			return
		}
	}

	switch t.Type {
	case chatproto.TrackerText, chatproto.TrackerReasoning:
		if msg.Data != "" {
			t.Accumulated += msg.Data
			out <- deltaChunk(t.Type, t.ID, msg.Data)
		}
		if isEndEvent(t.Type, msg.Event) {
			out <- endChunk(t.Type, t.ID)
			delete(s.trackers, msg.Serial)
		}

	case chatproto.TrackerToolInput:
		if msg.Data != "" {
			t.Accumulated += msg.Data
			out <- chatproto.UIChunk{Kind: chatproto.KindToolInputDelta, ToolCallID: t.ID, InputDelta: msg.Data}
		}
		if msg.Event == "tool-input-end" {
			input := chatproto.LooseObject(t.Accumulated)
			out <- chatproto.UIChunk{Kind: chatproto.KindToolInputAvailable, ToolCallID: t.ID, ToolName: t.ToolName, Input: input}
			// tracker is kept: the later tool-output/tool-error update reuses this serial.
		}
	}
}

func (s *Subscriber) handleUpdate(msg chatproto.InboundMessage, out chan<- chatproto.UIChunk) {
	label := chatproto.ParseLabel(msg.Name)
	switch label.Prefix {
	case "tool-output":
		obj := chatproto.LooseObject(msg.Data)
		out <- chatproto.UIChunk{Kind: chatproto.KindToolOutputAvailable, ToolCallID: label.ID, Output: obj["output"]}
		delete(s.trackers, msg.Serial)
		return
	case "tool-error":
		obj := chatproto.LooseObject(msg.Data)
		errorText, _ := obj["errorText"].(string)
		out <- chatproto.UIChunk{Kind: chatproto.KindToolOutputError, ToolCallID: label.ID, ErrorText: errorText}
		delete(s.trackers, msg.Serial)
		return
	case "tool-denied":
		out <- chatproto.UIChunk{Kind: chatproto.KindToolOutputDenied, ToolCallID: label.ID}
		delete(s.trackers, msg.Serial)
		return
	}

	// Conflation: an append delivered as an update, carrying the full
	// accumulated payload so far.
	t, ok := s.trackers[msg.Serial]
	if !ok {
		t = s.synthesizeOrphan(msg, out)
		if t == nil {
			return
		}
	}

	if len(msg.Data) < len(t.Accumulated) {
		// A shorter-than-accumulated update can't represent a valid delta;
		// ignore it rather than emit a negative-length slice.
		return
	}
	delta := msg.Data[len(t.Accumulated):]
	t.Accumulated = msg.Data

	switch t.Type {
	case chatproto.TrackerText, chatproto.TrackerReasoning:
		if delta != "" {
			out <- deltaChunk(t.Type, t.ID, delta)
		}
		if isEndEvent(t.Type, msg.Event) {
			out <- endChunk(t.Type, t.ID)
			delete(s.trackers, msg.Serial)
		}
	case chatproto.TrackerToolInput:
		if delta != "" {
			out <- chatproto.UIChunk{Kind: chatproto.KindToolInputDelta, ToolCallID: t.ID, InputDelta: delta}
		}
		if msg.Event == "tool-input-end" {
			input := chatproto.LooseObject(t.Accumulated)
			out <- chatproto.UIChunk{Kind: chatproto.KindToolInputAvailable, ToolCallID: t.ID, ToolName: t.ToolName, Input: input}
		}
	}
}

func isEndEvent(t chatproto.TrackerType, event string) bool {
	switch t {
	case chatproto.TrackerText:
		return event == "text-end"
	case chatproto.TrackerReasoning:
		return event == "reasoning-end"
	default:
		return false
	}
}

func deltaChunk(t chatproto.TrackerType, id, delta string) chatproto.UIChunk {
	if t == chatproto.TrackerReasoning {
		return chatproto.UIChunk{Kind: chatproto.KindReasoningDelta, ID: id, Delta: delta}
	}
	return chatproto.UIChunk{Kind: chatproto.KindTextDelta, ID: id, Delta: delta}
}

func endChunk(t chatproto.TrackerType, id string) chatproto.UIChunk {
	if t == chatproto.TrackerReasoning {
		return chatproto.UIChunk{Kind: chatproto.KindReasoningEnd, ID: id}
	}
	return chatproto.UIChunk{Kind: chatproto.KindTextEnd, ID: id}
}
