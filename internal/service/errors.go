package service

import "errors"

var (
	ErrInvalidParticipants  = errors.New("at least two valid participants are required")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant in this conversation")
	ErrValidation           = errors.New("validation failed")
	ErrUnauthorized         = errors.New("unauthorized")
)
