package chatproto

import "strings"

// Label prefixes from the wire vocabulary.
const (
	labelText         = "text:"
	labelReasoning    = "reasoning:"
	labelTool         = "tool:"
	labelToolOutput   = "tool-output:"
	labelToolError    = "tool-error:"
	labelToolDenied   = "tool-denied:"
	labelToolApproval = "tool-approval:"
	labelDataPrefix   = "data-"

	LabelStart      = "start"
	LabelStepFinish = "step-finish"
	LabelFinish     = "finish"
	LabelError      = "error"
	LabelAbort      = "abort"
	LabelMetadata   = "metadata"
	LabelFile       = "file"
	LabelSourceURL  = "source-url"
	LabelSourceDoc  = "source-document"
)

// Client-publish event names: echoes of these on a shared channel must be
// skipped by the subscribe side.
const (
	EventChatMessage = "chat-message"
	EventRegenerate  = "regenerate"
	EventUserAbort   = "user-abort"
)

// IsClientPublished reports whether name is one of the client-publish
// event names the subscribe side must filter out as an echo.
func IsClientPublished(name string) bool {
	switch name {
	case EventChatMessage, EventRegenerate, EventUserAbort:
		return true
	default:
		return false
	}
}

// TextLabel builds the "text:<id>" create label.
func TextLabel(id string) string { return labelText + id }

// ReasoningLabel builds the "reasoning:<id>" create label.
func ReasoningLabel(id string) string { return labelReasoning + id }

// ToolLabel builds the "tool:<id>:<name>" create label. The tool name may
// itself contain ':', so parsing splits on the first two colons only;
// building is unambiguous either way.
func ToolLabel(id, name string) string { return labelTool + id + ":" + name }

// ToolOutputLabel builds the "tool-output:<id>" update label.
func ToolOutputLabel(id string) string { return labelToolOutput + id }

// ToolErrorLabel builds the "tool-error:<id>" update label.
func ToolErrorLabel(id string) string { return labelToolError + id }

// ToolDeniedLabel builds the "tool-denied:<id>" update label.
func ToolDeniedLabel(id string) string { return labelToolDenied + id }

// ToolApprovalLabel builds the "tool-approval:<id>" create label.
func ToolApprovalLabel(id string) string { return labelToolApproval + id }

// DataLabel builds the "data-<name>" create label.
func DataLabel(name string) string { return labelDataPrefix + name }

// ParsedLabel is the result of splitting a wire name into its prefix and
// argument(s).
type ParsedLabel struct {
	Prefix   string
	ID       string
	ToolName string // only set when Prefix == "tool"
}

// ParseLabel decodes a wire `name` into its logical components. Unknown
// labels return Prefix == "" so callers can ignore them.
func ParseLabel(name string) ParsedLabel {
	switch {
	case strings.HasPrefix(name, labelText):
		return ParsedLabel{Prefix: "text", ID: strings.TrimPrefix(name, labelText)}
	case strings.HasPrefix(name, labelReasoning):
		return ParsedLabel{Prefix: "reasoning", ID: strings.TrimPrefix(name, labelReasoning)}
	case strings.HasPrefix(name, labelToolOutput):
		return ParsedLabel{Prefix: "tool-output", ID: strings.TrimPrefix(name, labelToolOutput)}
	case strings.HasPrefix(name, labelToolError):
		return ParsedLabel{Prefix: "tool-error", ID: strings.TrimPrefix(name, labelToolError)}
	case strings.HasPrefix(name, labelToolDenied):
		return ParsedLabel{Prefix: "tool-denied", ID: strings.TrimPrefix(name, labelToolDenied)}
	case strings.HasPrefix(name, labelToolApproval):
		return ParsedLabel{Prefix: "tool-approval", ID: strings.TrimPrefix(name, labelToolApproval)}
	case strings.HasPrefix(name, labelTool):
		// "tool:<id>:<name>" — split on the first two colons only; the
		// remainder (which may itself contain ':') is the tool name.
		rest := strings.TrimPrefix(name, labelTool)
		idx := strings.Index(rest, ":")
		if idx < 0 {
			return ParsedLabel{Prefix: "tool", ID: rest}
		}
		return ParsedLabel{Prefix: "tool", ID: rest[:idx], ToolName: rest[idx+1:]}
	case strings.HasPrefix(name, labelDataPrefix):
		return ParsedLabel{Prefix: "data", ID: strings.TrimPrefix(name, labelDataPrefix)}
	case name == LabelStart, name == LabelStepFinish, name == LabelFinish,
		name == LabelError, name == LabelAbort, name == LabelMetadata,
		name == LabelFile, name == LabelSourceURL, name == LabelSourceDoc:
		return ParsedLabel{Prefix: name}
	default:
		return ParsedLabel{}
	}
}
