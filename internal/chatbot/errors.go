package chatbot

import (
	"errors"

	"chat-relay/internal/service"
)

var (
	ErrNotConfigured        = service.ErrNotConfigured
	ErrAuthenticationFailed = service.ErrAuthenticationFailed
	ErrUpstreamUnavailable  = errors.New("upstream chat service unavailable")
	// ErrStreamParseSkipped solo se registra en logs; nunca corta el stream.
	ErrStreamParseSkipped = errors.New("stream frame skipped")
)
