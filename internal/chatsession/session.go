// Package chatsession implements the server-role conversation session: one
// channel, one ordered message list, seeded from history and mutated only
// by the session's own event handlers. Grounded on the subscribe-drive-loop
// shape of internal/reconnect/reconnect.go, reusing its bus.Client and
// chunkcodec wiring rather than inventing a parallel one.
package chatsession

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/internal/history"
	"github.com/chatbus/chatbus/internal/presence"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// DefaultHistoryLimit bounds the seed history query when Options doesn't
// specify one.
const DefaultHistoryLimit = 500

// Trigger distinguishes why a generation was started.
type Trigger string

const (
	TriggerSubmitMessage     Trigger = "submit-message"
	TriggerRegenerateMessage Trigger = "regenerate-message"
)

// GenerateRequest is what a Handler receives to produce one assistant
// reply.
type GenerateRequest struct {
	Messages []chatproto.LogicalMessage
	Trigger  Trigger
}

// Handler is the caller-supplied model invocation. It returns a chunk
// source whose output chunkcodec.Publisher will turn into bus operations;
// the handler itself owns whatever upstream (model API, tool loop) produces
// those chunks.
type Handler interface {
	Generate(ctx context.Context, req GenerateRequest) (chunkcodec.ChunkSource, error)
}

// Options configures a Session.
type Options struct {
	Channel         string
	Client          bus.Client
	Handler         Handler
	HistoryLimit    int
	InitialMessages []chatproto.LogicalMessage

	// EnablePresence, when true, enters presence on the channel under
	// PresenceClientID (default "agent") for the session's lifetime.
	EnablePresence   bool
	PresenceClientID string

	Logger zerolog.Logger
}

// Session owns one channel's message list and dispatches incoming
// chat-message/regenerate/user-abort events to a Handler, serializing
// generations one at a time.
type Session struct {
	opts    Options
	client  bus.Client
	sub     bus.Subscription
	log     zerolog.Logger
	channel string

	presenceHandle bus.PresenceHandle

	mu       sync.Mutex
	messages []chatproto.LogicalMessage
	folder   *history.Folder

	genMu        sync.Mutex
	cancelGen    context.CancelFunc
	genDone      chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
}

// Start subscribes to the channel, seeds the message list from history
// (deduplicated against InitialMessages by id), optionally enters presence,
// and begins dispatching incoming events in the background.
func Start(ctx context.Context, opts Options) (*Session, error) {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	sub, err := opts.Client.Subscribe(ctx, opts.Channel)
	if err != nil {
		return nil, err
	}

	raw, err := opts.Client.History(ctx, opts.Channel, bus.HistoryOptions{UntilAttach: true, Limit: limit})
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	folder := history.NewFolder()
	// raw is newest-first; feed chronologically.
	for i := len(raw) - 1; i >= 0; i-- {
		folder.Feed(raw[i])
	}

	seeded := dedupeByID(opts.InitialMessages, folder.Messages())

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Session{
		opts:      opts,
		client:    opts.Client,
		sub:       sub,
		log:       opts.Logger,
		channel:   opts.Channel,
		messages:  seeded,
		folder:    folder,
		runCtx:    runCtx,
		runCancel: runCancel,
		loopDone:  make(chan struct{}),
	}

	if opts.EnablePresence {
		ph, err := opts.Client.Presence(ctx, opts.Channel)
		if err != nil {
			runCancel()
			_ = sub.Close()
			return nil, err
		}
		clientID := opts.PresenceClientID
		if clientID == "" {
			clientID = presence.DefaultAgentType
		}
		if err := presence.Enter(ctx, ph, clientID, presence.DefaultAgentType, nil); err != nil {
			runCancel()
			_ = sub.Close()
			return nil, err
		}
		s.presenceHandle = ph
	}

	go s.loop()
	return s, nil
}

// dedupeByID appends folded (history-derived) messages whose id doesn't
// already appear in initial, preserving initial's ordering ahead of them.
func dedupeByID(initial, folded []chatproto.LogicalMessage) []chatproto.LogicalMessage {
	if len(initial) == 0 {
		return append([]chatproto.LogicalMessage{}, folded...)
	}
	seen := make(map[string]bool, len(initial))
	for _, m := range initial {
		if m.ID != "" {
			seen[m.ID] = true
		}
	}
	out := append([]chatproto.LogicalMessage{}, initial...)
	for _, m := range folded {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Messages returns a snapshot of the current message list.
func (s *Session) Messages() []chatproto.LogicalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatproto.LogicalMessage{}, s.messages...)
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		msg, err := s.sub.Next(s.runCtx)
		if err != nil {
			return
		}
		if msg.Ephemeral {
			continue
		}

		s.mu.Lock()
		s.folder.Feed(msg)
		s.messages = s.folder.Messages()
		s.mu.Unlock()

		if msg.Headers.Role != chatproto.RoleUser {
			continue
		}

		switch msg.Name {
		case chatproto.EventChatMessage:
			s.handleChatMessage(msg)
		case chatproto.EventRegenerate:
			s.handleRegenerate(msg)
		case chatproto.EventUserAbort:
			s.handleUserAbort()
		}
	}
}

// awaitPriorGeneration cancels and waits for any in-flight generation,
// swallowing whatever it returned, so a new prompt never races the old
// one's appends/updates.
func (s *Session) awaitPriorGeneration() {
	s.genMu.Lock()
	cancel := s.cancelGen
	done := s.genDone
	s.genMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Session) startGeneration(promptID string, trigger Trigger) {
	s.mu.Lock()
	snapshot := append([]chatproto.LogicalMessage{}, s.messages...)
	s.mu.Unlock()

	genCtx, cancel := context.WithCancel(s.runCtx)
	done := make(chan struct{})

	s.genMu.Lock()
	s.cancelGen = cancel
	s.genDone = done
	s.genMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		src, err := s.opts.Handler.Generate(genCtx, GenerateRequest{Messages: snapshot, Trigger: trigger})
		if err != nil {
			s.log.Warn().Err(err).Str("channel", s.channel).Msg("chatsession: handler rejected generation")
			return
		}

		pub := chunkcodec.NewPublisher(s.client, chunkcodec.PublishOptions{
			Channel:  s.channel,
			PromptID: promptID,
			Logger:   s.log,
		})
		if err := pub.Run(genCtx, src); err != nil {
			s.log.Warn().Err(err).Str("channel", s.channel).Msg("chatsession: generation ended with error")
		}
	}()
}

func (s *Session) handleChatMessage(msg chatproto.InboundMessage) {
	s.awaitPriorGeneration()
	s.startGeneration(msg.Headers.PromptID, TriggerSubmitMessage)
}

func (s *Session) handleRegenerate(msg chatproto.InboundMessage) {
	s.awaitPriorGeneration()

	obj := chatproto.LooseObject(msg.Data)
	if messageID, ok := obj["messageId"].(string); ok && messageID != "" {
		s.mu.Lock()
		for i, m := range s.messages {
			if m.ID == messageID {
				s.messages = s.messages[:i]
				s.folder.Reset(s.messages)
				break
			}
		}
		s.mu.Unlock()
	}

	s.startGeneration(msg.Headers.PromptID, TriggerRegenerateMessage)
}

func (s *Session) handleUserAbort() {
	s.genMu.Lock()
	cancel := s.cancelGen
	s.genMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// NewPromptID generates a fresh promptId the way the client transport does,
// for callers that host a session and also need to tag out-of-band
// publishes (e.g. a server-initiated greeting) with a prompt scope.
func NewPromptID() string { return ulid.Make().String() }

// Close unsubscribes, leaves presence, and aborts any in-flight generation.
func (s *Session) Close() error {
	s.awaitPriorGeneration()
	s.runCancel()
	<-s.loopDone

	var presenceErr error
	if s.presenceHandle != nil {
		presenceErr = s.presenceHandle.Leave(context.Background(), presenceClientID(s.opts))
		_ = s.presenceHandle.Close()
	}
	subErr := s.sub.Close()
	if presenceErr != nil {
		return presenceErr
	}
	return subErr
}

func presenceClientID(opts Options) string {
	if opts.PresenceClientID != "" {
		return opts.PresenceClientID
	}
	return presence.DefaultAgentType
}
