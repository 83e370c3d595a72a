// Package modelclient holds reference chatsession.Handler implementations
// backed by real model provider SDKs. None of these are exercised by the
// core transport logic — a caller wires exactly one in via
// internal/config.ModelConfig.Provider when it stands up a cmd/chat-server
// process. Grounded on the provider-adapter shape used throughout the
// pack's model packages: a goroutine drains the SDK's native stream into a
// buffered channel behind a small Recv-style interface, decoupling the
// SDK's blocking iterator from the ChunkSource interface chunkcodec.Publisher
// actually drives.
package modelclient

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/chatbus/chatbus/internal/chunkcodec"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

// chunkSource is the shared plumbing every provider adapter below returns
// from Generate: a buffered channel fed by a background goroutine pumping
// one provider's native stream, exposed as a chunkcodec.ChunkSource.
type chunkSource struct {
	ch chan chatproto.UIChunk

	errMu sync.Mutex
	err   error
}

func newChunkSource() *chunkSource {
	return &chunkSource{ch: make(chan chatproto.UIChunk, 64)}
}

func (s *chunkSource) emit(ctx context.Context, c chatproto.UIChunk) error {
	select {
	case s.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chunkSource) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *chunkSource) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Next implements chunkcodec.ChunkSource.
func (s *chunkSource) Next(ctx context.Context) (chatproto.UIChunk, error) {
	select {
	case c, ok := <-s.ch:
		if !ok {
			if err := s.failure(); err != nil {
				return chatproto.UIChunk{}, err
			}
			return chatproto.UIChunk{}, chunkcodec.ErrSourceDone
		}
		return c, nil
	case <-ctx.Done():
		return chatproto.UIChunk{}, ctx.Err()
	}
}

// errEmptyMessages is returned when a Handler is asked to generate a reply
// for a conversation with no messages to ground it on.
var errEmptyMessages = errors.New("modelclient: no messages to send")

// newMessageID mints the assistant message id a Generate call's finish chunk
// carries (also used as its text part id), using the same ulid scheme as bus serials and prompt ids.
func newMessageID() string { return "msg_" + ulid.Make().String() }
