package chatproto

// PartState is the lifecycle state of a tool-invocation part inside a
// hydrated logical message.
type PartState string

const (
	PartStateCall   PartState = "call"
	PartStateResult PartState = "result"
)

// PartKind discriminates Part.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindReasoning PartKind = "reasoning"
	PartKindToolInvocation PartKind = "tool-invocation"
)

// Part is one entry of a LogicalMessage's Parts slice.
type Part struct {
	Kind PartKind

	// text / reasoning
	Text string

	// tool-invocation
	ToolCallID string
	ToolName   string
	Input      map[string]any
	State      PartState
	Output     any
	ErrorText  string
}

// LogicalMessage is a hydrated conversation entry.
type LogicalMessage struct {
	ID       string
	Role     Role
	Parts    []Part
	Metadata map[string]any

	// ContentComplete is set once a *-end sub-event has been observed for
	// the message's content, distinguishing "streaming finished, finish
	// chunk not seen yet" from "still mid-token".
	ContentComplete bool
}
