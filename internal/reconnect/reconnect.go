// Package reconnect implements the late-join protocol:
// subscribe first with a live buffer, query history up to the attach
// point, detect an already-terminated stream, replay history
// chronologically, then flush the buffered live messages and continue
// streaming. Grounded on the exponential-backoff wiring in
// internal/session/loop.go (cenkalti/backoff) for the subscribe/history
// retry policy.
package reconnect

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// DefaultHistoryLimit bounds the untilAttach history query when the caller
// doesn't specify one.
const DefaultHistoryLimit = 500

// Options configures a reconnect attempt.
type Options struct {
	Channel      string
	PromptFilter string // "" for reconnectToStream (no filter)
	HistoryLimit int

	// Force skips the "nothing to join" short-circuit (empty history, or
	// the channel's newest message already a terminal): a caller that just
	// published the very event expected to trigger a generation knows a
	// stream is wanted regardless of how much of it the bus has already
	// recorded by the time History() is queried. sendMessages sets this;
	// reconnectToStream leaves it false, since there it genuinely means
	// "nothing active to resume."
	Force bool

	Logger zerolog.Logger
}

var terminalNames = map[string]bool{
	chatproto.LabelFinish: true,
	chatproto.LabelError:  true,
	chatproto.LabelAbort:  true,
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)
}

// Attach runs the five-step protocol. It returns (nil, nil, nil, false, nil)
// when there is no active stream to join (history is empty or already
// terminated) — the caller should not open an output stream in that case.
// Otherwise it returns the Subscriber, the bus.Subscription, the output
// channel and true; a background goroutine replays the history into that
// channel, flushes the buffered live messages and then keeps streaming.
func Attach(ctx context.Context, client bus.Client, opts Options) (*chunkcodec.Subscriber, bus.Subscription, chan chatproto.UIChunk, bool, error) {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	// Step 1: subscribe first, buffering live messages until replay drains.
	var sub bus.Subscription
	err := backoff.Retry(func() error {
		s, err := client.Subscribe(ctx, opts.Channel)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}, newRetryBackoff(ctx))
	if err != nil {
		return nil, nil, nil, false, err
	}

	buffered := make(chan chatproto.InboundMessage, 256)
	bufferDone := make(chan struct{})
	bufferCtx, stopBuffering := context.WithCancel(ctx)
	go func() {
		defer close(bufferDone)
		bufferLive(bufferCtx, sub, buffered)
	}()

	// Step 2: query history up to the attach point.
	var history []chatproto.InboundMessage
	err = backoff.Retry(func() error {
		h, err := client.History(ctx, opts.Channel, bus.HistoryOptions{UntilAttach: true, Limit: limit})
		if err != nil {
			return err
		}
		history = h
		return nil
	}, newRetryBackoff(ctx))
	if err != nil {
		stopBuffering()
		_ = sub.Close()
		return nil, nil, nil, false, err
	}

	// Step 3: empty history means nothing to join, unless the caller just
	// published the event that's expected to produce one.
	if len(history) == 0 && !opts.Force {
		stopBuffering()
		_ = sub.Close()
		return nil, nil, nil, false, nil
	}

	// Step 4: history is newest-first; inspect the newest item.
	if len(history) > 0 && terminalNames[history[0].Name] && !opts.Force {
		stopBuffering()
		_ = sub.Close()
		return nil, nil, nil, false, nil
	}

	// Step 5: build the output stream, replay history chronologically,
	// then flush the live buffer and continue.
	subscriber := chunkcodec.NewSubscriber(chunkcodec.SubscribeOptions{PromptFilter: opts.PromptFilter, Logger: opts.Logger})
	out := make(chan chatproto.UIChunk, 64)

	go func() {
		defer close(out)
		replayHistory(subscriber, history, out)

		// stopBuffering must be followed by a wait on bufferDone before
		// anything else touches sub: until bufferLive has actually
		// returned, it may still be blocked in sub.Next, and letting
		// subscriber.Run start reading sub concurrently with it would race
		// two readers over the same subscription.
		stopBuffering()
		<-bufferDone

		if subscriber.Closed() {
			_ = sub.Close()
			return
		}
		flushBuffered(bufferCtx, subscriber, buffered, out)
		if subscriber.Closed() {
			_ = sub.Close()
			return
		}
		_ = subscriber.Run(ctx, sub, out)
	}()

	return subscriber, sub, out, true, nil
}

// bufferLive pulls from sub and queues every message until the caller is
// ready to drain it, so no live message is lost during history replay. A
// message already popped off sub is always delivered to out, even after
// ctx is canceled — racing that delivery against ctx.Done would let a
// message already read off sub (and thus unrecoverable from anywhere
// else) be silently dropped. The loop only rechecks ctx before going back
// to sub.Next for the next one.
func bufferLive(ctx context.Context, sub bus.Subscription, out chan<- chatproto.InboundMessage) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		out <- msg
		if ctx.Err() != nil {
			return
		}
	}
}

// replayHistory feeds history chronologically (it arrives newest-first)
// through the subscriber's history routing, which knows a folded create row
// can already carry an accumulated body and terminal sub-event. Orphan
// synthesis falls out of the same append/update handlers used for live
// messages, since the create for a chunk may have aged out of the window.
func replayHistory(s *chunkcodec.Subscriber, history []chatproto.InboundMessage, out chan<- chatproto.UIChunk) {
	for i := len(history) - 1; i >= 0; i-- {
		if s.Closed() {
			return
		}
		msg := history[i]
		if chatproto.IsClientPublished(msg.Name) {
			continue
		}
		s.HandleHistoryEntry(msg, out)
	}
}

func flushBuffered(ctx context.Context, s *chunkcodec.Subscriber, buffered <-chan chatproto.InboundMessage, out chan<- chatproto.UIChunk) {
	for {
		select {
		case msg, ok := <-buffered:
			if !ok {
				return
			}
			if s.Closed() {
				return
			}
			if chatproto.IsClientPublished(msg.Name) {
				continue
			}
			s.Handle(msg, out)
		default:
			return
		}
	}
}
