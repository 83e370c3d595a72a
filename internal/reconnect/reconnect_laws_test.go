package reconnect_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chatbus/chatbus/internal/bus/membus"
	"github.com/chatbus/chatbus/internal/reconnect"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

func drainReconnect(ctx context.Context, out <-chan chatproto.UIChunk) []chatproto.UIChunk {
	var got []chatproto.UIChunk
	for {
		select {
		case c, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, c)
		case <-ctx.Done():
			return got
		}
	}
}

var _ = Describe("reconnect mid-stream", func() {
	It("replays the partial history then continues seamlessly from live appends", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		b := membus.New()
		defer b.Close()

		headers := chatproto.Headers{Role: chatproto.RoleAssistant, PromptID: "p1"}
		ack, err := b.Publish(ctx, "reconnect-1", chatproto.OutboundMessage{Name: chatproto.TextLabel("t0"), Headers: headers})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Append(ctx, "reconnect-1", ack.Serial, "Hello wor", chatproto.AppendMeta{Event: "text-delta"})
		Expect(err).NotTo(HaveOccurred())

		_, _, out, ok, err := reconnect.Attach(ctx, b, reconnect.Options{Channel: "reconnect-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		_, err = b.Append(ctx, "reconnect-1", ack.Serial, "ld!", chatproto.AppendMeta{Event: "text-delta"})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Append(ctx, "reconnect-1", ack.Serial, "", chatproto.AppendMeta{Event: "text-end"})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Publish(ctx, "reconnect-1", chatproto.OutboundMessage{Name: chatproto.LabelStepFinish, Data: "{}", Headers: headers})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Publish(ctx, "reconnect-1", chatproto.OutboundMessage{
			Name: chatproto.LabelFinish, Data: chatproto.MarshalLoose(map[string]any{"finishReason": "stop"}), Headers: headers,
		})
		Expect(err).NotTo(HaveOccurred())

		chunks := drainReconnect(ctx, out)

		var text string
		for _, c := range chunks {
			if c.Kind == chatproto.KindTextDelta {
				text += c.Delta
			}
		}
		Expect(text).To(Equal("Hello world!"))
		Expect(chunks[len(chunks)-1].Kind).To(Equal(chatproto.KindFinish))
		Expect(chunks[len(chunks)-1].FinishReason).To(Equal("stop"))

		var textEnds, finishes int
		for _, c := range chunks {
			if c.Kind == chatproto.KindTextEnd {
				textEnds++
			}
			if c.Kind == chatproto.KindFinish {
				finishes++
			}
		}
		Expect(textEnds).To(Equal(1))
		Expect(finishes).To(Equal(1))
	})
})

var _ = Describe("replay-to-live transition", func() {
	It("delivers every live append published right after Attach returns, with no loss and no duplication", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		b := membus.New()
		defer b.Close()

		headers := chatproto.Headers{Role: chatproto.RoleAssistant, PromptID: "p1"}
		_, _, out, ok, err := reconnect.Attach(ctx, b, reconnect.Options{Channel: "reconnect-transition", Force: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		// Attach returns as soon as its subscription is live, before its
		// internal goroutine has necessarily finished moving from buffered
		// replay to direct live reads. Publishing immediately exercises
		// exactly that handoff window on every run.
		ack, err := b.Publish(ctx, "reconnect-transition", chatproto.OutboundMessage{Name: chatproto.TextLabel("t0"), Headers: headers})
		Expect(err).NotTo(HaveOccurred())
		const deltas = 50
		for i := 0; i < deltas; i++ {
			_, err = b.Append(ctx, "reconnect-transition", ack.Serial, "x", chatproto.AppendMeta{Event: "text-delta"})
			Expect(err).NotTo(HaveOccurred())
		}
		_, err = b.Append(ctx, "reconnect-transition", ack.Serial, "", chatproto.AppendMeta{Event: "text-end"})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Publish(ctx, "reconnect-transition", chatproto.OutboundMessage{
			Name: chatproto.LabelFinish, Data: chatproto.MarshalLoose(map[string]any{"finishReason": "stop"}), Headers: headers,
		})
		Expect(err).NotTo(HaveOccurred())

		chunks := drainReconnect(ctx, out)

		var text string
		for _, c := range chunks {
			if c.Kind == chatproto.KindTextDelta {
				text += c.Delta
			}
		}
		Expect(text).To(HaveLen(deltas), "every delta must arrive exactly once: a lost or duplicated one means the buffered-live handoff raced")
		Expect(chunks[len(chunks)-1].Kind).To(Equal(chatproto.KindFinish))
	})
})

var _ = Describe("prompt isolation", func() {
	It("lets a filtered subscriber's own prompt content through while dropping another prompt's entirely", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		b := membus.New()
		defer b.Close()

		_, _, out, ok, err := reconnect.Attach(ctx, b, reconnect.Options{
			Channel:      "reconnect-iso",
			PromptFilter: "p1",
			Force:        true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		otherHeaders := chatproto.Headers{Role: chatproto.RoleAssistant, PromptID: "p2"}
		otherAck, err := b.Publish(ctx, "reconnect-iso", chatproto.OutboundMessage{Name: chatproto.TextLabel("o0"), Headers: otherHeaders})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Append(ctx, "reconnect-iso", otherAck.Serial, "from another prompt", chatproto.AppendMeta{Event: "text-delta"})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Append(ctx, "reconnect-iso", otherAck.Serial, "", chatproto.AppendMeta{Event: "text-end"})
		Expect(err).NotTo(HaveOccurred())

		mineHeaders := chatproto.Headers{Role: chatproto.RoleAssistant, PromptID: "p1"}
		mineAck, err := b.Publish(ctx, "reconnect-iso", chatproto.OutboundMessage{Name: chatproto.TextLabel("m0"), Headers: mineHeaders})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Append(ctx, "reconnect-iso", mineAck.Serial, "hi there", chatproto.AppendMeta{Event: "text-delta"})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Append(ctx, "reconnect-iso", mineAck.Serial, "", chatproto.AppendMeta{Event: "text-end"})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Publish(ctx, "reconnect-iso", chatproto.OutboundMessage{
			Name: chatproto.LabelFinish, Data: chatproto.MarshalLoose(map[string]any{"finishReason": "stop"}), Headers: mineHeaders,
		})
		Expect(err).NotTo(HaveOccurred())

		chunks := drainReconnect(ctx, out)

		var text string
		for _, c := range chunks {
			if c.Kind == chatproto.KindTextDelta {
				text += c.Delta
				Expect(c.ID).To(Equal("m0"))
			}
			if c.Kind == chatproto.KindTextStart {
				Expect(c.ID).To(Equal("m0"))
			}
		}
		Expect(text).To(Equal("hi there"))
	})
})
