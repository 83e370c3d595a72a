package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatbus",
		Name:      "sessions_started_total",
		Help:      "Number of chatsession.Session instances started.",
	})

	chunksEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatbus",
		Name:      "chunks_emitted_total",
		Help:      "UI chunks written to an SSE response, labeled by channel route.",
	}, []string{"route"})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatbus",
		Name:      "reconnect_attempts_total",
		Help:      "Number of ReconnectToStream calls served.",
	})

	presenceTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatbus",
		Name:      "presence_transitions_total",
		Help:      "Number of online/offline edge transitions reported to a presence SSE watcher.",
	})
)
