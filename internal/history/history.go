// Package history folds a chronological batch of bus messages into the
// logical user/assistant message list a chat UI or a conversation session
// seeds itself from.
package history

import (
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// Result is the output of Reconstruct.
type Result struct {
	Messages        []chatproto.LogicalMessage
	HasActiveStream bool
}

// Folder is the incremental form of Reconstruct: a conversation session
// feeds it one live bus message at a time (the same messages a batch
// History query would have returned) and reads Messages()/HasActiveStream()
// after every feed instead of re-folding the whole channel from scratch.
type Folder struct {
	out             []chatproto.LogicalMessage
	open            *chatproto.LogicalMessage
	lastWasTerminal bool
}

// NewFolder returns a Folder with no messages folded yet.
func NewFolder() *Folder {
	return &Folder{lastWasTerminal: true}
}

func (f *Folder) finalizeOpen() {
	if f.open != nil {
		f.out = append(f.out, *f.open)
		f.open = nil
	}
}

// Feed folds one more chronological message into the running list.
func (f *Folder) Feed(msg chatproto.InboundMessage) {
	if msg.Name == "step-finish" || msg.Name == "metadata" || msg.Name == "user-abort" {
		return
	}

	label := chatproto.ParseLabel(msg.Name)
	f.lastWasTerminal = false

	switch msg.Name {
	case chatproto.EventChatMessage:
		f.finalizeOpen()
		f.out = append(f.out, userMessageFrom(msg))
		return
	case chatproto.EventRegenerate:
		f.finalizeOpen()
		if n := len(f.out); n > 0 && f.out[n-1].Role == chatproto.RoleAssistant {
			f.out = f.out[:n-1]
		}
		return
	}

	switch label.Prefix {
	case "text":
		ensureOpenAssistant(&f.open, label.ID)
		openText(f.open, label.ID, msg.Data)

	case "reasoning":
		ensureOpenAssistant(&f.open, "")
		openReasoning(f.open, label.ID, msg.Data)

	case "tool":
		ensureOpenAssistant(&f.open, "")
		input := chatproto.LooseObject(msg.Data)
		f.open.Parts = append(f.open.Parts, chatproto.Part{
			Kind:       chatproto.PartKindToolInvocation,
			ToolCallID: label.ID,
			ToolName:   label.ToolName,
			Input:      input,
			State:      chatproto.PartStateCall,
		})

	case "tool-output":
		if f.open != nil {
			resolveToolPart(f.open, label.ID, chatproto.LooseObject(msg.Data)["output"], "")
		}

	case "tool-error":
		obj := chatproto.LooseObject(msg.Data)
		errorText, _ := obj["errorText"].(string)
		if f.open != nil {
			resolveToolPart(f.open, label.ID, nil, errorText)
		}

	case "finish", "error", "abort":
		f.finalizeOpen()
		f.lastWasTerminal = true

	default:
		// unknown/discrete content labels don't affect message folding
	}

	if isEndEvent(msg.Event) && f.open != nil {
		f.open.ContentComplete = true
	}
}

// Messages returns the folded list so far, including the still-open
// assistant entry (if any) as its last element.
func (f *Folder) Messages() []chatproto.LogicalMessage {
	if f.open == nil {
		return f.out
	}
	return append(append([]chatproto.LogicalMessage{}, f.out...), *f.open)
}

// HasActiveStream reports whether the last fed message (ignoring skipped
// names) was not a bus terminal.
func (f *Folder) HasActiveStream() bool { return !f.lastWasTerminal }

// Reset replaces the folded list wholesale, discarding any open assistant
// entry. A session uses this after truncating its message list for a
// targeted regenerate, so the folder's next Feed builds on the truncated
// state rather than the pre-truncation one.
func (f *Folder) Reset(messages []chatproto.LogicalMessage) {
	f.out = append([]chatproto.LogicalMessage{}, messages...)
	f.open = nil
	f.lastWasTerminal = true
}

// Reconstruct folds messages (which must be in chronological, oldest-first
// order) into a logical message list.
func Reconstruct(messages []chatproto.InboundMessage) Result {
	f := NewFolder()
	for _, msg := range messages {
		f.Feed(msg)
	}
	f.finalizeOpen()
	return Result{Messages: f.out, HasActiveStream: f.HasActiveStream()}
}

func isEndEvent(event string) bool {
	switch event {
	case "text-end", "reasoning-end", "tool-input-end":
		return true
	default:
		return false
	}
}

func ensureOpenAssistant(open **chatproto.LogicalMessage, adoptID string) {
	if *open != nil {
		return
	}
	id := adoptID
	*open = &chatproto.LogicalMessage{ID: id, Role: chatproto.RoleAssistant}
}

func openText(open *chatproto.LogicalMessage, id, data string) {
	if len(open.Parts) == 0 && open.ID == "" {
		open.ID = id
	}
	open.Parts = append(open.Parts, chatproto.Part{Kind: chatproto.PartKindText, Text: data})
}

func openReasoning(open *chatproto.LogicalMessage, id, data string) {
	open.Parts = append(open.Parts, chatproto.Part{Kind: chatproto.PartKindReasoning, Text: data})
}

func resolveToolPart(open *chatproto.LogicalMessage, toolCallID string, output any, errorText string) {
	for i := range open.Parts {
		p := &open.Parts[i]
		if p.Kind == chatproto.PartKindToolInvocation && p.ToolCallID == toolCallID {
			p.State = chatproto.PartStateResult
			if errorText != "" {
				p.ErrorText = errorText
			} else {
				p.Output = output
			}
			return
		}
	}
}

func userMessageFrom(msg chatproto.InboundMessage) chatproto.LogicalMessage {
	obj := chatproto.LooseObject(msg.Data)
	id, _ := obj["id"].(string)
	lm := chatproto.LogicalMessage{ID: id, Role: chatproto.RoleUser}
	if text, ok := obj["text"].(string); ok && text != "" {
		lm.Parts = append(lm.Parts, chatproto.Part{Kind: chatproto.PartKindText, Text: text})
	}
	if parts, ok := obj["parts"].([]any); ok {
		for _, raw := range parts {
			p, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			text, _ := p["text"].(string)
			lm.Parts = append(lm.Parts, chatproto.Part{Kind: chatproto.PartKindText, Text: text})
		}
	}
	return lm
}
