package chunkcodec_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/internal/bus/membus"
	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// sliceSource replays a fixed slice of chunks, then reports exhaustion.
type sliceSource struct {
	chunks []chatproto.UIChunk
	i      int
}

func (s *sliceSource) Next(context.Context) (chatproto.UIChunk, error) {
	if s.i >= len(s.chunks) {
		return chatproto.UIChunk{}, chunkcodec.ErrSourceDone
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

// runPublisher drives chunks through a Publisher against a live channel and
// returns once the publish side has drained.
func runPublisher(ctx context.Context, client *membus.Bus, channel string, chunks []chatproto.UIChunk) {
	pub := chunkcodec.NewPublisher(client, chunkcodec.PublishOptions{Channel: channel, PromptID: "p1"})
	Expect(pub.Run(ctx, &sliceSource{chunks: chunks})).To(Succeed())
}

// collectUntilTerminal drains out until a terminal chunk arrives or the
// context expires.
func collectUntilTerminal(ctx context.Context, out <-chan chatproto.UIChunk) []chatproto.UIChunk {
	var got []chatproto.UIChunk
	for {
		select {
		case c, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, c)
			if c.IsTerminal() {
				return got
			}
		case <-ctx.Done():
			return got
		}
	}
}

// stripSynthesized drops the synthesized start/start-step chunks a fresh
// Subscriber always emits before its first content chunk, so a decoded
// sequence can be compared against the original input chunks.
func stripSynthesized(chunks []chatproto.UIChunk) []chatproto.UIChunk {
	out := make([]chatproto.UIChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Kind == chatproto.KindStart || c.Kind == chatproto.KindStartStep {
			continue
		}
		out = append(out, c)
	}
	return out
}

var _ = Describe("round-trip law", func() {
	It("yields the same chunk sequence after a full publish/subscribe cycle", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		b := membus.New()
		defer b.Close()

		sub, err := b.Subscribe(ctx, "roundtrip-1")
		Expect(err).NotTo(HaveOccurred())
		defer sub.Close()

		input := []chatproto.UIChunk{
			{Kind: chatproto.KindTextStart, ID: "a"},
			{Kind: chatproto.KindTextDelta, ID: "a", Delta: "hel"},
			{Kind: chatproto.KindTextDelta, ID: "a", Delta: "lo"},
			{Kind: chatproto.KindTextEnd, ID: "a"},
			{Kind: chatproto.KindFinish, FinishReason: "stop"},
		}
		runPublisher(ctx, b, "roundtrip-1", input)

		out := make(chan chatproto.UIChunk, 64)
		subscriber := chunkcodec.NewSubscriber(chunkcodec.SubscribeOptions{})
		go func() { _ = subscriber.Run(ctx, sub, out) }()

		got := stripSynthesized(collectUntilTerminal(ctx, out))
		Expect(got).To(HaveLen(len(input)))
		for i, c := range got {
			Expect(c.Kind).To(Equal(input[i].Kind))
			Expect(c.ID).To(Equal(input[i].ID))
			Expect(c.Delta).To(Equal(input[i].Delta))
			Expect(c.FinishReason).To(Equal(input[i].FinishReason))
		}
	})
})

var _ = Describe("conflation law", func() {
	DescribeTable("concatenated deltas equal the original text regardless of how many appends were coalesced into a trailing update",
		func(conflationBudget int) {
			full := "hello world, this is a streamed reply"

			var msgs []chatproto.InboundMessage
			serial := chatproto.Serial("s1")
			msgs = append(msgs, chatproto.InboundMessage{
				Name: chatproto.TextLabel("a"), Action: chatproto.ActionCreate, Serial: serial,
			})

			// Split full into one-rune increments; the simulator delivers at
			// most conflationBudget of them as appends, then coalesces the
			// rest into a single trailing update carrying the full body.
			pieces := make([]string, 0, len(full))
			for _, r := range full {
				pieces = append(pieces, string(r))
			}

			accumulated := ""
			appended := 0
			for _, p := range pieces {
				if appended >= conflationBudget {
					break
				}
				accumulated += p
				msgs = append(msgs, chatproto.InboundMessage{
					Name: chatproto.TextLabel("a"), Action: chatproto.ActionAppend, Serial: serial, Data: p,
				})
				appended++
			}
			if accumulated != full {
				msgs = append(msgs, chatproto.InboundMessage{
					Name: chatproto.TextLabel("a"), Action: chatproto.ActionUpdate, Serial: serial, Data: full,
				})
			}
			msgs = append(msgs, chatproto.InboundMessage{
				Name: chatproto.TextLabel("a"), Action: chatproto.ActionAppend, Serial: serial, Event: "text-end",
			})

			subscriber := chunkcodec.NewSubscriber(chunkcodec.SubscribeOptions{})
			out := make(chan chatproto.UIChunk, 256)
			go func() {
				defer close(out)
				for _, m := range msgs {
					subscriber.Handle(m, out)
				}
			}()

			var got string
			sawEnd := false
			for c := range out {
				if c.Kind == chatproto.KindTextDelta {
					got += c.Delta
				}
				if c.Kind == chatproto.KindTextEnd {
					sawEnd = true
				}
			}
			Expect(got).To(Equal(full))
			Expect(sawEnd).To(BeTrue())
		},
		Entry("budget 0 (everything coalesced)", 0),
		Entry("budget 1", 1),
		Entry("budget 5", 5),
		Entry("budget larger than the content (no coalescing needed)", 1000),
	)
})

var _ = Describe("terminal uniqueness", func() {
	It("never lets the publish side issue more than one terminal create even when the source emits several", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		b := membus.New()
		defer b.Close()

		malformed := []chatproto.UIChunk{
			{Kind: chatproto.KindTextStart, ID: "a"},
			{Kind: chatproto.KindFinish, FinishReason: "stop"},
			{Kind: chatproto.KindAbort, AbortReason: "should never be published"},
		}
		pub := chunkcodec.NewPublisher(b, chunkcodec.PublishOptions{Channel: "terminal-pub", PromptID: "p1"})
		Expect(pub.Run(ctx, &sliceSource{chunks: malformed})).To(Succeed())

		history, err := b.History(ctx, "terminal-pub", bus.HistoryOptions{Limit: 100})
		Expect(err).NotTo(HaveOccurred())

		terminals := 0
		for _, m := range history {
			if m.Name == chatproto.LabelFinish || m.Name == chatproto.LabelError || m.Name == chatproto.LabelAbort {
				terminals++
			}
		}
		Expect(terminals).To(Equal(1))
	})

	It("never emits more than one terminal chunk on the subscribe side even when fed several", func() {
		serial1 := chatproto.Serial("s1")
		serial2 := chatproto.Serial("s2")
		msgs := []chatproto.InboundMessage{
			{Name: chatproto.LabelFinish, Action: chatproto.ActionCreate, Serial: serial1, Data: `{"finishReason":"stop"}`},
			{Name: chatproto.LabelError, Action: chatproto.ActionCreate, Serial: serial2, Data: `{"errorText":"too late"}`},
		}

		subscriber := chunkcodec.NewSubscriber(chunkcodec.SubscribeOptions{})
		out := make(chan chatproto.UIChunk, 16)
		go func() {
			defer close(out)
			for _, m := range msgs {
				subscriber.Handle(m, out)
			}
		}()

		var terminals int
		for c := range out {
			if c.IsTerminal() {
				terminals++
			}
		}
		Expect(terminals).To(Equal(1))
	})
})

// ctxDoneSource blocks until ctx is canceled, then returns ctx.Err(), the
// way a real model-client ChunkSource does.
type ctxDoneSource struct{}

func (ctxDoneSource) Next(ctx context.Context) (chatproto.UIChunk, error) {
	<-ctx.Done()
	return chatproto.UIChunk{}, ctx.Err()
}

var _ = Describe("cancellation", func() {
	It("publishes abort, not error, when the run context is canceled mid-stream", func() {
		b := membus.New()
		defer b.Close()

		genCtx, cancel := context.WithCancel(context.Background())
		pub := chunkcodec.NewPublisher(b, chunkcodec.PublishOptions{Channel: "cancel-1", PromptID: "p1"})

		errCh := make(chan error, 1)
		go func() { errCh <- pub.Run(genCtx, ctxDoneSource{}) }()

		cancel()
		Eventually(errCh, "2s").Should(Receive(HaveOccurred()))

		history, err := b.History(context.Background(), "cancel-1", bus.HistoryOptions{Limit: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(1))
		Expect(history[0].Name).To(Equal(chatproto.LabelAbort))
	})

	It("still publishes error for a genuine upstream failure unrelated to cancellation", func() {
		b := membus.New()
		defer b.Close()

		pub := chunkcodec.NewPublisher(b, chunkcodec.PublishOptions{Channel: "cancel-2", PromptID: "p1"})
		failing := &failingSource{err: errors.New("boom")}

		ctx := context.Background()
		Expect(pub.Run(ctx, failing)).To(HaveOccurred())

		history, err := b.History(ctx, "cancel-2", bus.HistoryOptions{Limit: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(1))
		Expect(history[0].Name).To(Equal(chatproto.LabelError))
	})
})

// failingSource always fails with a fixed, non-cancellation error.
type failingSource struct{ err error }

func (f *failingSource) Next(context.Context) (chatproto.UIChunk, error) {
	return chatproto.UIChunk{}, f.err
}

var _ = Describe("orphan law", func() {
	It("emits the same tail chunks for a late subscriber that only sees appends past a published prefix", func() {
		serial := chatproto.Serial("s1")
		create := chatproto.InboundMessage{Name: chatproto.TextLabel("a"), Action: chatproto.ActionCreate, Serial: serial}
		appendFirst := chatproto.InboundMessage{Name: chatproto.TextLabel("a"), Action: chatproto.ActionAppend, Serial: serial, Data: "hel"}
		appendSecond := chatproto.InboundMessage{Name: chatproto.TextLabel("a"), Action: chatproto.ActionAppend, Serial: serial, Data: "lo"}
		end := chatproto.InboundMessage{Name: chatproto.TextLabel("a"), Action: chatproto.ActionAppend, Serial: serial, Event: "text-end"}

		// A continuous subscriber sees the create.
		continuous := chunkcodec.NewSubscriber(chunkcodec.SubscribeOptions{})
		contOut := make(chan chatproto.UIChunk, 64)
		go func() {
			defer close(contOut)
			for _, m := range []chatproto.InboundMessage{create, appendFirst, appendSecond, end} {
				continuous.Handle(m, contOut)
			}
		}()
		var contTail []chatproto.UIChunk
		for c := range contOut {
			if c.Kind == chatproto.KindTextDelta || c.Kind == chatproto.KindTextEnd {
				contTail = append(contTail, c)
			}
		}

		// A late subscriber only receives the appends after the create's
		// prefix P has already been published, and must synthesize the
		// missing text-start before processing them.
		late := chunkcodec.NewSubscriber(chunkcodec.SubscribeOptions{})
		lateOut := make(chan chatproto.UIChunk, 64)
		go func() {
			defer close(lateOut)
			for _, m := range []chatproto.InboundMessage{appendFirst, appendSecond, end} {
				late.Handle(m, lateOut)
			}
		}()
		var lateChunks []chatproto.UIChunk
		var lateTail []chatproto.UIChunk
		for c := range lateOut {
			lateChunks = append(lateChunks, c)
			if c.Kind == chatproto.KindTextDelta || c.Kind == chatproto.KindTextEnd {
				lateTail = append(lateTail, c)
			}
		}

		Expect(lateChunks[0].Kind).To(Equal(chatproto.KindStart))
		Expect(lateChunks[2].Kind).To(Equal(chatproto.KindTextStart))
		Expect(lateTail).To(Equal(contTail))
	})
})
