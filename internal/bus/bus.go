// Package bus defines the contract the chat transport expects from its
// pub/sub channel: publish, append, update, subscribe, history-to-attach,
// and presence. The transport is written entirely against this interface;
// concrete backings live in the membus and redisbus subpackages.
package bus

import (
	"context"
	"errors"

	"github.com/chatbus/chatbus/pkg/chatproto"
)

// Sentinel errors surfaced by every backing.
var (
	ErrChannelClosed = errors.New("bus: channel closed")
	ErrNoSubscriber  = errors.New("bus: no active subscription")
)

// Ack is returned by Publish/Append/Update: the server-assigned serial the
// caller must remember to address later appends/updates at the same
// logical message.
type Ack struct {
	Serial chatproto.Serial
}

// HistoryOptions bounds a History query. History results are returned
// newest-first; callers that need chronological replay order must reverse
// the slice themselves.
type HistoryOptions struct {
	// UntilAttach requests only messages published strictly before the
	// point a concurrent Subscribe call attached, with no gap and no
	// overlap.
	UntilAttach bool
	Limit       int
}

// PresenceMember describes one member of a channel's presence set.
type PresenceMember struct {
	ClientID string
	Data     map[string]any
}

// Subscription is a pull-based cursor over a channel's live messages.
// Next blocks until a message arrives, the subscription is canceled, or
// ctx is done.
type Subscription interface {
	Next(ctx context.Context) (chatproto.InboundMessage, error)
	Close() error
}

// PresenceHandle lets a caller enter presence under a client identifier
// and watch the current member set.
type PresenceHandle interface {
	Enter(ctx context.Context, clientID string, data map[string]any) error
	Leave(ctx context.Context, clientID string) error
	Members(ctx context.Context) ([]PresenceMember, error)
	// Watch streams presence-set snapshots whenever membership changes.
	Watch(ctx context.Context) (<-chan []PresenceMember, error)
	Close() error
}

// Client is the bus contract the chat transport assumes as an external
// collaborator. All six verbs act on a single named channel, one channel
// per conversation.
type Client interface {
	Publish(ctx context.Context, channel string, msg chatproto.OutboundMessage) (Ack, error)
	Append(ctx context.Context, channel string, serial chatproto.Serial, data string, meta chatproto.AppendMeta) (Ack, error)
	Update(ctx context.Context, channel string, serial chatproto.Serial, name, data string) (Ack, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	History(ctx context.Context, channel string, opts HistoryOptions) ([]chatproto.InboundMessage, error)
	Presence(ctx context.Context, channel string) (PresenceHandle, error)
}

// FoldHistory merges a chronological (oldest-first) raw operation log into
// the view a history query should return: every append concatenates into
// its create's entry in place, so a replayed create already carries its
// full accumulated body and latest sub-event in one row. An intentional
// update (tool-output/tool-error/tool-denied) stays a distinct entry
// sharing the create's serial, since it replaces rather than extends the
// logical chunk's payload. An append or update whose create has already
// aged out of the raw window passes through unchanged, so downstream
// orphan synthesis can still recover it. Both backings call this from
// History before applying Limit.
func FoldHistory(raw []chatproto.InboundMessage) []chatproto.InboundMessage {
	out := make([]chatproto.InboundMessage, 0, len(raw))
	createIdx := make(map[chatproto.Serial]int, len(raw))
	for _, msg := range raw {
		switch msg.Action {
		case chatproto.ActionCreate:
			out = append(out, msg)
			createIdx[msg.Serial] = len(out) - 1
		case chatproto.ActionAppend:
			if idx, ok := createIdx[msg.Serial]; ok {
				out[idx].Data += msg.Data
				if msg.Event != "" {
					out[idx].Event = msg.Event
				}
				continue
			}
			out = append(out, msg)
		case chatproto.ActionUpdate:
			out = append(out, msg)
		}
	}
	return out
}
