package chatbot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"chat-relay/internal/domain"
)

const dataPrefix = "data: "

type streamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ParseStream lee líneas `data: {...}` de r y las entrega a emit en orden de llegada.
// Siempre termina con exactamente un evento terminal (complete o error); si el cuerpo
// se corta sin evento terminal se emite un complete con el contenido acumulado.
// emit devuelve false para dejar de leer.
func ParseStream(ctx context.Context, r io.Reader, conversationID string, logger *zap.Logger, emit func(domain.StreamEvent) bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := bufio.NewReader(r)
	var acc strings.Builder

	event := func(t domain.StreamEventType) domain.StreamEvent {
		return domain.StreamEvent{Type: t, ConversationID: conversationID, Timestamp: time.Now().UTC()}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(line, dataPrefix) {
			var f streamFrame
			if err := json.Unmarshal([]byte(line[len(dataPrefix):]), &f); err != nil {
				logger.Debug("stream frame skipped", zap.Error(errors.Join(ErrStreamParseSkipped, err)))
			} else {
				switch f.Type {
				case "chunk":
					if f.Content != "" {
						acc.WriteString(f.Content)
						ev := event(domain.StreamChunk)
						ev.ContentChunk = f.Content
						if !emit(ev) {
							return
						}
					}
				case "done", "complete":
					ev := event(domain.StreamComplete)
					ev.Content = f.Content
					if ev.Content == "" {
						ev.Content = acc.String()
					}
					emit(ev)
					return
				case "error":
					ev := event(domain.StreamError)
					ev.Error = firstNonEmpty(f.Message, f.Error, "Chat error")
					emit(ev)
					return
				default:
					logger.Debug("stream frame skipped", zap.String("type", f.Type), zap.Error(ErrStreamParseSkipped))
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				ev := event(domain.StreamComplete)
				ev.Content = acc.String()
				emit(ev)
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("stream read failed", zap.Error(readErr))
			ev := event(domain.StreamError)
			ev.Error = ErrUpstreamUnavailable.Error()
			emit(ev)
			return
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
