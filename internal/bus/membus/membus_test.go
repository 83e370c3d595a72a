package membus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

func TestPublishThenSubscribeReceivesLive(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := b.Subscribe(ctx, "chan-1")
	require.NoError(t, err)
	defer sub.Close()

	ack, err := b.Publish(ctx, "chan-1", chatproto.OutboundMessage{Name: chatproto.TextLabel("t0"), Data: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Serial)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chatproto.TextLabel("t0"), msg.Name)
	assert.Equal(t, "hello", msg.Data)
	assert.Equal(t, chatproto.ActionCreate, msg.Action)
	assert.Equal(t, ack.Serial, msg.Serial)
}

func TestAppendSharesSerialWithCreate(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ack, err := b.Publish(ctx, "chan-2", chatproto.OutboundMessage{Name: chatproto.TextLabel("t0"), Data: ""})
	require.NoError(t, err)

	ack2, err := b.Append(ctx, "chan-2", ack.Serial, "hello", chatproto.AppendMeta{})
	require.NoError(t, err)
	assert.Equal(t, ack.Serial, ack2.Serial)

	hist, err := b.History(ctx, "chan-2", bus.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	// The append folds into its create's row rather than appearing as its own entry.
	assert.Equal(t, chatproto.ActionCreate, hist[0].Action)
	assert.Equal(t, ack.Serial, hist[0].Serial)
	assert.Equal(t, "hello", hist[0].Data)
}

func TestHistoryKeepsUpdateAsDistinctRowAfterCreate(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	ack, err := b.Publish(ctx, "chan-tool", chatproto.OutboundMessage{Name: "tool:c0:lookup", Data: ""})
	require.NoError(t, err)
	_, err = b.Append(ctx, "chan-tool", ack.Serial, `{"q":"x"}`, chatproto.AppendMeta{})
	require.NoError(t, err)
	_, err = b.Update(ctx, "chan-tool", ack.Serial, "tool-output:c0", `{"output":"y"}`)
	require.NoError(t, err)

	hist, err := b.History(ctx, "chan-tool", bus.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// newest-first: the update comes before the folded create+append row.
	assert.Equal(t, chatproto.ActionUpdate, hist[0].Action)
	assert.Equal(t, "tool-output:c0", hist[0].Name)
	assert.Equal(t, chatproto.ActionCreate, hist[1].Action)
	assert.Equal(t, `{"q":"x"}`, hist[1].Data)
}

func TestHistoryReturnsPublishedOrder(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "chan-3", chatproto.OutboundMessage{Name: "data-tick", Data: "x"})
		require.NoError(t, err)
	}

	hist, err := b.History(ctx, "chan-3", bus.HistoryOptions{})
	require.NoError(t, err)
	assert.Len(t, hist, 5)
}

func TestEphemeralMessagesAreNotInHistory(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	_, err := b.Publish(ctx, "chan-4", chatproto.OutboundMessage{Name: "abort", Data: "", Ephemeral: true})
	require.NoError(t, err)

	hist, err := b.History(ctx, "chan-4", bus.HistoryOptions{})
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestUntilAttachHistoryHasNoGapOrOverlapWithSubscription(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := b.Publish(ctx, "chan-attach", chatproto.OutboundMessage{Name: chatproto.TextLabel("before"), Data: "x"})
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "chan-attach")
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.Publish(ctx, "chan-attach", chatproto.OutboundMessage{Name: chatproto.TextLabel("after"), Data: "y"})
	require.NoError(t, err)

	hist, err := b.History(ctx, "chan-attach", bus.HistoryOptions{UntilAttach: true, Limit: 100})
	require.NoError(t, err)
	require.Len(t, hist, 1, "only the pre-attach publish belongs to the history view")
	assert.Equal(t, chatproto.TextLabel("before"), hist[0].Name)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chatproto.TextLabel("after"), msg.Name, "the live subscription delivers exactly the post-attach publish, not a repeat of history")
}

func TestPresenceEnterLeaveBroadcasts(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ph, err := b.Presence(ctx, "chan-5")
	require.NoError(t, err)

	watch, err := ph.Watch(ctx)
	require.NoError(t, err)
	<-watch // initial empty snapshot

	require.NoError(t, ph.Enter(ctx, "agent-1", map[string]any{"status": "online"}))
	select {
	case members := <-watch:
		require.Len(t, members, 1)
		assert.Equal(t, "agent-1", members[0].ClientID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence update")
	}

	require.NoError(t, ph.Leave(ctx, "agent-1"))
	select {
	case members := <-watch:
		assert.Empty(t, members)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence update")
	}
}
