// Package membus is the in-process bus backing: a watermill gochannel
// carries live messages, and a bounded ring buffer per channel answers
// History queries. It follows the common pattern of wrapping gochannel for
// in-process pub/sub and adds the ordering/history/presence surface the
// chat transport needs.
package membus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

const (
	metaAction    = "action"
	metaSerial    = "serial"
	metaEvent     = "event"
	metaRole      = "role"
	metaPromptID  = "promptId"
	metaEphemeral = "ephemeral"

	// defaultHistoryLimit bounds the ring buffer kept per channel. A live
	// chat channel rarely holds more than a few thousand chunks before a
	// conversation is archived, so this is generous rather than tight.
	defaultHistoryLimit = 4096
)

// Bus is an in-process bus.Client. The zero value is not usable; use New.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu       sync.Mutex
	channels map[string]*channelState
}

type channelState struct {
	history []chatproto.InboundMessage
	// seqs runs parallel to history: seqs[i] is the monotonic sequence
	// number assigned to history[i] when it was recorded, surviving ring
	// trimming so a HistoryOptions.UntilAttach query can still bound
	// correctly against an old attach point.
	seqs    []int64
	nextSeq int64
	// lastAttachSeq is the nextSeq value as of the most recent Subscribe
	// call: History(UntilAttach: true) returns only entries recorded
	// before it, and the matching live Subscribe only delivers entries
	// recorded at or after it, so the two never gap or overlap.
	lastAttachSeq int64
	limit         int

	// publishMu serializes one channel's publish-then-record sequence
	// against Subscribe's attach-point snapshot, so a Subscribe call can
	// never land inside the gap between a message reaching the live
	// pub/sub and that same message being recorded to history.
	publishMu sync.Mutex

	presenceMu sync.Mutex
	members    map[string]map[string]any
	watchers   []chan []bus.PresenceMember
}

// New constructs a membus.Bus.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 256,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		channels: make(map[string]*channelState),
	}
}

func (b *Bus) state(channel string) *channelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		cs = &channelState{limit: defaultHistoryLimit, members: make(map[string]map[string]any)}
		b.channels[channel] = cs
	}
	return cs
}

func (b *Bus) nextSerial() chatproto.Serial {
	return chatproto.Serial(ulid.Make().String())
}

func encodeHeaders(h chatproto.Headers) message.Metadata {
	m := message.Metadata{}
	if h.Role != "" {
		m.Set(metaRole, string(h.Role))
	}
	if h.PromptID != "" {
		m.Set(metaPromptID, h.PromptID)
	}
	for k, v := range h.Extra {
		m.Set(k, v)
	}
	return m
}

func decodeHeaders(m message.Metadata) chatproto.Headers {
	h := chatproto.Headers{
		Role:     chatproto.Role(m.Get(metaRole)),
		PromptID: m.Get(metaPromptID),
		Event:    m.Get(metaEvent),
	}
	extra := map[string]string{}
	for k, v := range m {
		switch k {
		case metaAction, metaSerial, metaEvent, metaRole, metaPromptID, metaEphemeral:
			continue
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		h.Extra = extra
	}
	return h
}

func toInbound(msg *message.Message, name string) chatproto.InboundMessage {
	return chatproto.InboundMessage{
		Name:      name,
		Data:      string(msg.Payload),
		Action:    chatproto.Action(msg.Metadata.Get(metaAction)),
		Serial:    chatproto.Serial(msg.Metadata.Get(metaSerial)),
		Event:     msg.Metadata.Get(metaEvent),
		Headers:   decodeHeaders(msg.Metadata),
		Ephemeral: msg.Metadata.Get(metaEphemeral) == "1",
	}
}

func (b *Bus) publishRaw(ctx context.Context, channel, name, data string, action chatproto.Action, serial chatproto.Serial, event string, headers chatproto.Headers, ephemeral bool) (bus.Ack, error) {
	meta := encodeHeaders(headers)
	meta.Set(metaAction, string(action))
	meta.Set(metaSerial, string(serial))
	if event != "" {
		meta.Set(metaEvent, event)
	}
	if ephemeral {
		meta.Set(metaEphemeral, "1")
	}

	wm := message.NewMessage(watermill.NewUUID(), []byte(data))
	wm.Metadata = meta
	// name travels as a metadata field too, since watermill topics are
	// per-channel, not per-message-name.
	wm.Metadata.Set("name", name)

	cs := b.state(channel)
	// publishMu brackets the live publish together with its history
	// bookkeeping so a concurrent Subscribe can only ever observe this
	// message either fully recorded (and thus excluded from its own live
	// feed) or not yet published at all — never the gap in between.
	cs.publishMu.Lock()
	defer cs.publishMu.Unlock()

	if err := b.pubsub.Publish(channel, wm); err != nil {
		return bus.Ack{}, err
	}

	if !ephemeral {
		b.mu.Lock()
		seq := cs.nextSeq
		cs.nextSeq++
		cs.history = append(cs.history, toInbound(wm, name))
		cs.seqs = append(cs.seqs, seq)
		if len(cs.history) > cs.limit {
			over := len(cs.history) - cs.limit
			cs.history = cs.history[over:]
			cs.seqs = cs.seqs[over:]
		}
		b.mu.Unlock()
	}

	return bus.Ack{Serial: serial}, nil
}

// Publish implements bus.Client.
func (b *Bus) Publish(ctx context.Context, channel string, msg chatproto.OutboundMessage) (bus.Ack, error) {
	serial := b.nextSerial()
	return b.publishRaw(ctx, channel, msg.Name, msg.Data, chatproto.ActionCreate, serial, msg.Headers.Event, msg.Headers, msg.Ephemeral)
}

// Append implements bus.Client.
func (b *Bus) Append(ctx context.Context, channel string, serial chatproto.Serial, data string, meta chatproto.AppendMeta) (bus.Ack, error) {
	return b.publishRaw(ctx, channel, "", data, chatproto.ActionAppend, serial, meta.Event, chatproto.Headers{}, false)
}

// Update implements bus.Client.
func (b *Bus) Update(ctx context.Context, channel string, serial chatproto.Serial, name, data string) (bus.Ack, error) {
	return b.publishRaw(ctx, channel, name, data, chatproto.ActionUpdate, serial, "", chatproto.Headers{}, false)
}

// Subscribe implements bus.Client. It stamps the channel's current
// sequence counter as the attach point under the same publishMu a
// concurrent publish holds, so a paired History(UntilAttach: true) call
// sees exactly the messages this subscription's live feed will not
// redeliver.
func (b *Bus) Subscribe(ctx context.Context, channel string) (bus.Subscription, error) {
	cs := b.state(channel)
	cs.publishMu.Lock()
	defer cs.publishMu.Unlock()

	ch, err := b.pubsub.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	cs.lastAttachSeq = cs.nextSeq
	b.mu.Unlock()

	return &subscription{ch: ch}, nil
}

// History implements bus.Client. The raw per-op ring buffer is bounded to
// the most recent Subscribe's attach point when UntilAttach is set (so it
// never overlaps that subscription's live feed), folded (appends merge
// into their create, updates stay distinct rows), bounded to Limit, then
// reversed to newest-first.
func (b *Bus) History(ctx context.Context, channel string, opts bus.HistoryOptions) ([]chatproto.InboundMessage, error) {
	cs := b.state(channel)
	b.mu.Lock()
	src := make([]chatproto.InboundMessage, len(cs.history))
	copy(src, cs.history)
	seqs := make([]int64, len(cs.seqs))
	copy(seqs, cs.seqs)
	attachSeq := cs.lastAttachSeq
	b.mu.Unlock()

	if opts.UntilAttach {
		bounded := src[:0:0]
		for i, m := range src {
			if seqs[i] < attachSeq {
				bounded = append(bounded, m)
			}
		}
		src = bounded
	}

	folded := bus.FoldHistory(src)
	if opts.Limit > 0 && len(folded) > opts.Limit {
		folded = folded[len(folded)-opts.Limit:]
	}
	out := make([]chatproto.InboundMessage, len(folded))
	for i, m := range folded {
		out[len(folded)-1-i] = m // newest-first, per bus.Client.History contract
	}
	return out, nil
}

// Presence implements bus.Client.
func (b *Bus) Presence(ctx context.Context, channel string) (bus.PresenceHandle, error) {
	return &presenceHandle{cs: b.state(channel)}, nil
}

// Close releases the underlying gochannel pub/sub.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

type subscription struct {
	ch <-chan *message.Message
}

func (s *subscription) Next(ctx context.Context) (chatproto.InboundMessage, error) {
	select {
	case <-ctx.Done():
		return chatproto.InboundMessage{}, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return chatproto.InboundMessage{}, bus.ErrChannelClosed
		}
		msg.Ack()
		return toInbound(msg, msg.Metadata.Get("name")), nil
	}
}

func (s *subscription) Close() error { return nil }

type presenceHandle struct {
	cs *channelState
}

func (p *presenceHandle) snapshot() []bus.PresenceMember {
	out := make([]bus.PresenceMember, 0, len(p.cs.members))
	for id, data := range p.cs.members {
		out = append(out, bus.PresenceMember{ClientID: id, Data: data})
	}
	return out
}

func (p *presenceHandle) broadcast() {
	snap := p.snapshot()
	for _, w := range p.cs.watchers {
		select {
		case w <- snap:
		default:
		}
	}
}

func (p *presenceHandle) Enter(ctx context.Context, clientID string, data map[string]any) error {
	p.cs.presenceMu.Lock()
	defer p.cs.presenceMu.Unlock()
	p.cs.members[clientID] = data
	p.broadcast()
	return nil
}

func (p *presenceHandle) Leave(ctx context.Context, clientID string) error {
	p.cs.presenceMu.Lock()
	defer p.cs.presenceMu.Unlock()
	delete(p.cs.members, clientID)
	p.broadcast()
	return nil
}

func (p *presenceHandle) Members(ctx context.Context) ([]bus.PresenceMember, error) {
	p.cs.presenceMu.Lock()
	defer p.cs.presenceMu.Unlock()
	return p.snapshot(), nil
}

func (p *presenceHandle) Watch(ctx context.Context) (<-chan []bus.PresenceMember, error) {
	p.cs.presenceMu.Lock()
	defer p.cs.presenceMu.Unlock()
	w := make(chan []bus.PresenceMember, 4)
	p.cs.watchers = append(p.cs.watchers, w)
	w <- p.snapshot()
	go func() {
		<-ctx.Done()
		p.cs.presenceMu.Lock()
		defer p.cs.presenceMu.Unlock()
		for i, c := range p.cs.watchers {
			if c == w {
				p.cs.watchers = append(p.cs.watchers[:i], p.cs.watchers[i+1:]...)
				break
			}
		}
		close(w)
	}()
	return w, nil
}

func (p *presenceHandle) Close() error { return nil }
