package service

import "errors"

var (
	ErrNotConfigured        = errors.New("chatbot not configured")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrValidation           = errors.New("validation error")
	ErrRateLimited          = errors.New("rate limited")
)
