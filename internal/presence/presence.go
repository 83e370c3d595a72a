// Package presence watches a bus channel's presence set for a named
// principal type and reports edge-triggered online/offline transitions.
// Grounded on the membus presence watcher (internal/bus/membus/membus.go),
// which already streams snapshots on member enter/leave; this package adds
// the count-crossing-zero bookkeeping that turns a snapshot stream into a
// boolean online signal.
package presence

import (
	"context"

	"github.com/chatbus/chatbus/internal/bus"
)

// DefaultAgentType is the presence member type a chat UI watches for by
// default.
const DefaultAgentType = "agent"

// Observer watches one channel's presence set and reports whenever the
// count of members matching Type crosses zero.
type Observer struct {
	handle bus.PresenceHandle
	typ    string
}

// NewObserver wraps a presence handle already scoped to one channel.
// typ selects which members count toward online/offline; pass
// DefaultAgentType to match the convention the publish side uses when it
// enters presence.
func NewObserver(handle bus.PresenceHandle, typ string) *Observer {
	if typ == "" {
		typ = DefaultAgentType
	}
	return &Observer{handle: handle, typ: typ}
}

func (o *Observer) matches(m bus.PresenceMember) bool {
	t, _ := m.Data["type"].(string)
	return t == o.typ
}

func (o *Observer) count(members []bus.PresenceMember) int {
	n := 0
	for _, m := range members {
		if o.matches(m) {
			n++
		}
	}
	return n
}

// Watch subscribes to presence snapshots and invokes cb(true) the first
// time the matching-member count rises above zero, and cb(false) the first
// time it falls back to zero. Repeated snapshots that don't cross zero
// (e.g. a second agent joining while one is already online) are silent.
// Watch returns an unsubscribe function; calling it stops further
// callbacks and releases the underlying watch.
func (o *Observer) Watch(ctx context.Context, cb func(online bool)) (func(), error) {
	snapshots, err := o.handle.Watch(ctx)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		online := false
		for {
			select {
			case <-watchCtx.Done():
				return
			case members, ok := <-snapshots:
				if !ok {
					return
				}
				n := o.count(members)
				switch {
				case n > 0 && !online:
					online = true
					cb(true)
				case n == 0 && online:
					online = false
					cb(false)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// Enter marks clientID present on the channel with the observer's member
// type, the shape the publish side uses so its own Observer.Watch peers
// see it come online.
func Enter(ctx context.Context, handle bus.PresenceHandle, clientID, typ string, extra map[string]any) error {
	if typ == "" {
		typ = DefaultAgentType
	}
	data := map[string]any{"type": typ}
	for k, v := range extra {
		data[k] = v
	}
	return handle.Enter(ctx, clientID, data)
}
