package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chat-relay/internal/domain"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_relay",
		Subsystem: "socket",
		Name:      "connections",
		Help:      "Open socket connections",
	})

	// inboundFrames cuenta frames recibidos por evento. Eventos desconocidos van como "unknown".
	inboundFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "socket",
		Name:      "frames_total",
		Help:      "Inbound socket frames by event",
	}, []string{"event"})

	// streamOutcomes cuenta respuestas del bot por resultado: complete, error, unavailable.
	streamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "stream",
		Name:      "outcomes_total",
		Help:      "Bot streams relayed to rooms by outcome",
	}, []string{"outcome"})
)

func frameLabel(event string) string {
	switch event {
	case domain.EventJoinConversation, domain.EventLeaveConversation,
		domain.EventSendMessage, domain.EventSendMessageStream,
		domain.EventTypingStart, domain.EventTypingStop,
		domain.EventGetChatHistory:
		return event
	default:
		return "unknown"
	}
}
