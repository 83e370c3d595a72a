// Package redisbus is the durable bus backing: a Redis Stream per channel
// carries ordered messages and doubles as the history log (XADD/XRANGE),
// XREAD with blocking drives live subscription, and a Pub/Sub channel plus
// a TTL'd key per member carry presence. Grounded on the Redis wiring in
// registry/result_stream.go (mapping keys, TTL via Expire, redis.Nil
// handling) and registry/registry.go's *redis.Client plumbing.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// field names inside a stream entry (XADD field/value pairs).
const (
	fieldName      = "name"
	fieldData      = "data"
	fieldAction    = "action"
	fieldSerial    = "serial"
	fieldEvent     = "event"
	fieldRole      = "role"
	fieldPromptID  = "promptId"
	fieldEphemeral = "ephemeral"

	presenceChannelSuffix = ":presence"
	presenceSetSuffix     = ":presence:members"

	// defaultPresenceTTL bounds how long a member survives an ungraceful
	// disconnect before Members() stops reporting it.
	defaultPresenceTTL = 30 * time.Second
)

func streamKey(channel string) string { return fmt.Sprintf("chatbus:stream:%s", channel) }
func presenceChannelKey(channel string) string {
	return fmt.Sprintf("chatbus:%s%s", channel, presenceChannelSuffix)
}
func presenceSetKey(channel string) string {
	return fmt.Sprintf("chatbus:%s%s", channel, presenceSetSuffix)
}

// Bus is a Redis-backed bus.Client.
type Bus struct {
	rdb *redis.Client

	mu           sync.Mutex
	lastAttachID map[string]string
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (connection pooling, auth, TLS) — redisbus only issues
// commands against it.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb, lastAttachID: make(map[string]string)}
}

func fieldsFor(name, data string, action chatproto.Action, serial chatproto.Serial, event string, headers chatproto.Headers, ephemeral bool) map[string]any {
	f := map[string]any{
		fieldName:   name,
		fieldData:   data,
		fieldAction: string(action),
		fieldSerial: string(serial),
	}
	if event != "" {
		f[fieldEvent] = event
	}
	if headers.Role != "" {
		f[fieldRole] = string(headers.Role)
	}
	if headers.PromptID != "" {
		f[fieldPromptID] = headers.PromptID
	}
	if ephemeral {
		f[fieldEphemeral] = "1"
	}
	return f
}

func (b *Bus) nextSerial(ctx context.Context, channel string, fields map[string]any) (chatproto.Serial, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisbus: xadd: %w", err)
	}
	return chatproto.Serial(id), nil
}

// Publish implements bus.Client. A create writes a fresh stream entry and
// the returned Redis stream ID becomes the logical Serial every later
// Append/Update on this chunk must address.
func (b *Bus) Publish(ctx context.Context, channel string, msg chatproto.OutboundMessage) (bus.Ack, error) {
	fields := fieldsFor(msg.Name, msg.Data, chatproto.ActionCreate, "", msg.Headers.Event, msg.Headers, msg.Ephemeral)
	serial, err := b.nextSerial(ctx, channel, fields)
	if err != nil {
		return bus.Ack{}, err
	}
	return bus.Ack{Serial: serial}, nil
}

// Append implements bus.Client. The append is its own stream entry (Redis
// Streams are append-only) carrying the original create's serial in the
// "serial" field, so a subscriber can still fold it into the right logical
// chunk.
func (b *Bus) Append(ctx context.Context, channel string, serial chatproto.Serial, data string, meta chatproto.AppendMeta) (bus.Ack, error) {
	fields := fieldsFor("", data, chatproto.ActionAppend, serial, meta.Event, chatproto.Headers{}, false)
	if _, err := b.nextSerial(ctx, channel, fields); err != nil {
		return bus.Ack{}, err
	}
	return bus.Ack{Serial: serial}, nil
}

// Update implements bus.Client.
func (b *Bus) Update(ctx context.Context, channel string, serial chatproto.Serial, name, data string) (bus.Ack, error) {
	fields := fieldsFor(name, data, chatproto.ActionUpdate, serial, "", chatproto.Headers{}, false)
	if _, err := b.nextSerial(ctx, channel, fields); err != nil {
		return bus.Ack{}, err
	}
	return bus.Ack{Serial: serial}, nil
}

func toInbound(msg redis.XMessage) chatproto.InboundMessage {
	get := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	serial := get(fieldSerial)
	if serial == "" {
		// a create stores no serial field: its own stream ID is its serial
		serial = msg.ID
	}
	return chatproto.InboundMessage{
		Name:      get(fieldName),
		Data:      get(fieldData),
		Action:    chatproto.Action(get(fieldAction)),
		Serial:    chatproto.Serial(serial),
		Event:     get(fieldEvent),
		Ephemeral: get(fieldEphemeral) == "1",
		Headers: chatproto.Headers{
			Role:     chatproto.Role(get(fieldRole)),
			PromptID: get(fieldPromptID),
		},
	}
}

// Subscribe implements bus.Client with a blocking XREAD loop starting
// strictly after the stream's last entry as of this call. The starting ID
// is resolved eagerly here, rather than handed to XREAD as "$" (which
// resolves lazily at the first XREAD call and would silently skip any
// entry added in the gap between Subscribe returning and that first
// call), and recorded so the paired History(UntilAttach: true) call
// returns exactly the entries this subscription will not redeliver live.
func (b *Bus) Subscribe(ctx context.Context, channel string) (bus.Subscription, error) {
	attachID, err := b.resolveAttachID(ctx, channel)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.lastAttachID[channel] = attachID
	b.mu.Unlock()
	return &subscription{rdb: b.rdb, key: streamKey(channel), lastID: attachID}, nil
}

// resolveAttachID returns the ID of the stream's newest entry, or "0" if
// the stream doesn't exist yet (XRange("-", "0") then naturally returns
// nothing, since every real stream ID sorts above it).
func (b *Bus) resolveAttachID(ctx context.Context, channel string) (string, error) {
	entries, err := b.rdb.XRevRangeN(ctx, streamKey(channel), "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("redisbus: resolve attach id: %w", err)
	}
	if len(entries) == 0 {
		return "0", nil
	}
	return entries[0].ID, nil
}

type subscription struct {
	rdb    *redis.Client
	key    string
	lastID string
}

func (s *subscription) Next(ctx context.Context) (chatproto.InboundMessage, error) {
	for {
		res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Block:   5 * time.Second,
			Count:   1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // block timeout with no new entries, poll again
		}
		if err != nil {
			if ctx.Err() != nil {
				return chatproto.InboundMessage{}, ctx.Err()
			}
			return chatproto.InboundMessage{}, fmt.Errorf("redisbus: xread: %w", err)
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				s.lastID = msg.ID
				return toInbound(msg), nil
			}
		}
	}
}

func (s *subscription) Close() error { return nil }

// History implements bus.Client. When UntilAttach is set, the upper bound
// is the ID resolved by the most recent Subscribe call on this channel
// (stream IDs are monotonic), so this query returns exactly the entries
// that subscription's XREAD — which only delivers entries strictly
// greater than that same ID — will not redeliver live. The raw stream
// (oldest-first via XRANGE) is folded first — appends merge into their
// create, updates stay distinct rows — then bounded to Limit, then
// reversed to newest-first.
func (b *Bus) History(ctx context.Context, channel string, opts bus.HistoryOptions) ([]chatproto.InboundMessage, error) {
	upper := "+"
	if opts.UntilAttach {
		b.mu.Lock()
		id, ok := b.lastAttachID[channel]
		b.mu.Unlock()
		if ok {
			upper = id
		}
	}

	msgs, err := b.rdb.XRange(ctx, streamKey(channel), "-", upper).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbus: history: %w", err)
	}
	raw := make([]chatproto.InboundMessage, len(msgs))
	for i, m := range msgs {
		raw[i] = toInbound(m)
	}

	folded := bus.FoldHistory(raw)
	if opts.Limit > 0 && len(folded) > opts.Limit {
		folded = folded[len(folded)-opts.Limit:]
	}
	out := make([]chatproto.InboundMessage, len(folded))
	for i, m := range folded {
		out[len(folded)-1-i] = m
	}
	return out, nil
}

// Presence implements bus.Client using a TTL'd string key per client (SET
// with expiry; it lapses on its own if Leave never runs) and a Pub/Sub channel to notify
// watchers of membership changes.
func (b *Bus) Presence(ctx context.Context, channel string) (bus.PresenceHandle, error) {
	return &presenceHandle{rdb: b.rdb, channel: channel}, nil
}

type presenceHandle struct {
	rdb     *redis.Client
	channel string
}

func (p *presenceHandle) memberKey(clientID string) string {
	return fmt.Sprintf("%s:%s", presenceSetKey(p.channel), clientID)
}

func (p *presenceHandle) Enter(ctx context.Context, clientID string, data map[string]any) error {
	payload := chatproto.MarshalLoose(data)
	if err := p.rdb.Set(ctx, p.memberKey(clientID), payload, defaultPresenceTTL).Err(); err != nil {
		return fmt.Errorf("redisbus: presence enter: %w", err)
	}
	return p.rdb.Publish(ctx, presenceChannelKey(p.channel), "enter:"+clientID).Err()
}

func (p *presenceHandle) Leave(ctx context.Context, clientID string) error {
	if err := p.rdb.Del(ctx, p.memberKey(clientID)).Err(); err != nil {
		return fmt.Errorf("redisbus: presence leave: %w", err)
	}
	return p.rdb.Publish(ctx, presenceChannelKey(p.channel), "leave:"+clientID).Err()
}

func (p *presenceHandle) Members(ctx context.Context) ([]bus.PresenceMember, error) {
	pattern := presenceSetKey(p.channel) + ":*"
	iter := p.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	var out []bus.PresenceMember
	prefix := len(presenceSetKey(p.channel)) + 1
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := p.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redisbus: presence members: %w", err)
		}
		out = append(out, bus.PresenceMember{
			ClientID: key[prefix:],
			Data:     chatproto.LooseObject(val),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisbus: presence members scan: %w", err)
	}
	return out, nil
}

// Watch subscribes to the presence Pub/Sub channel and emits a fresh
// Members() snapshot on every enter/leave notification.
func (p *presenceHandle) Watch(ctx context.Context) (<-chan []bus.PresenceMember, error) {
	sub := p.rdb.Subscribe(ctx, presenceChannelKey(p.channel))
	out := make(chan []bus.PresenceMember, 4)

	emit := func() {
		members, err := p.Members(ctx)
		if err != nil {
			return
		}
		select {
		case out <- members:
		default:
		}
	}

	go func() {
		defer close(out)
		defer sub.Close()
		emit()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				emit()
			}
		}
	}()

	return out, nil
}

func (p *presenceHandle) Close() error { return nil }
