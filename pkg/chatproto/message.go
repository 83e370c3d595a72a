package chatproto

// Action is the bus operation that produced an InboundMessage, or the
// operation an OutboundMessage requests.
type Action string

const (
	ActionCreate Action = "message.create"
	ActionAppend Action = "message.append"
	ActionUpdate Action = "message.update"
)

// Role distinguishes the two kinds of participants that publish to a
// channel.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Headers is the small, flat key/value bag carried by every bus message in
// extras.headers. Role and PromptID are first-class because
// the codec and the prompt-isolation filter read them on
// every message; anything else rides in Extra, JSON-encoded by convention
// when non-string.
type Headers struct {
	Role     Role              `json:"role,omitempty"`
	PromptID string            `json:"promptId,omitempty"`
	Event    string            `json:"event,omitempty"`
	Extra    map[string]string `json:"-"`
}

// Serial identifies a logical bus message: the create's serial is shared by
// every subsequent append/update to the same logical chunk.
type Serial string

// OutboundMessage is what the publish side hands the bus client for a
// message.create. Appends/updates go through the narrower Append/Update
// bus-client methods instead.
type OutboundMessage struct {
	Name      string
	Data      string
	Headers   Headers
	Ephemeral bool
}

// AppendMeta carries the version.metadata.event sub-event tag an append
// writes alongside its data.
type AppendMeta struct {
	Event string
}

// InboundMessage is a bus message as received by a subscriber, whether
// live or replayed from history.
type InboundMessage struct {
	Name      string
	Data      string
	Action    Action
	Serial    Serial
	Event     string // version.metadata.event
	Headers   Headers
	Ephemeral bool
}
