package chatproto

// TrackerType discriminates a SerialTracker entry.
type TrackerType string

const (
	TrackerText       TrackerType = "text"
	TrackerReasoning  TrackerType = "reasoning"
	TrackerToolInput  TrackerType = "tool-input"
)

// SerialTracker is the subscribe-side bookkeeping entry keyed by a bus
// serial. Accumulated holds the full payload
// observed so far for the logical chunk; it is what lets the subscribe
// side compute a delta from a conflated update.
type SerialTracker struct {
	Type        TrackerType
	ID          string // logical chunk id (text/reasoning id, or toolCallId)
	ToolName    string // only set for TrackerToolInput
	Accumulated string
}

// PublishState is the publish-side bookkeeping entry keyed by chunk id:
// which bus serial to append/update when the next delta for this logical
// chunk arrives.
type PublishState struct {
	Serial Serial
	Type   TrackerType
}

// EmitState is the per-subscribe-stream set of booleans enforcing
// lifecycle idempotence for the synthesized start/start-step chunks.
type EmitState struct {
	HasEmittedStart     bool
	HasEmittedStepStart bool
}

// NeedsStart reports whether the next content chunk needs start/start-step
// synthesized ahead of it.
func (e *EmitState) NeedsStart() bool { return !e.HasEmittedStart }

// NeedsStepStart reports whether the next content chunk needs a
// start-step synthesized ahead of it. finish-step resets this so the next
// step re-synthesizes one.
func (e *EmitState) NeedsStepStart() bool { return !e.HasEmittedStepStart }
