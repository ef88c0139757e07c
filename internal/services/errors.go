// Package services defines the business logic for mentor conversations, chat
// turns and session insights. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the handler
// layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrSessionNotFound indicates that the requested conversation does not
	// exist or is not visible to the caller as its owner.
	ErrSessionNotFound = errors.New("session not found")

	// ErrForbidden is returned when the caller is neither the conversation's
	// student nor the parent linked to that student.
	ErrForbidden = errors.New("no relationship to the conversation owner")

	// ErrInvalidSessionID is returned when a session id is not a UUID.
	ErrInvalidSessionID = errors.New("session id must be a UUID")

	// ErrEmptyTitle is returned when a manual rename carries no visible text.
	ErrEmptyTitle = errors.New("title is empty")
)

// Chat turn errors.
var (
	// ErrEmptyPrompt is returned when a request to create a message contains
	// an empty prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrTooLong is returned when a request to create a message exceeds the
	// maximum configured length limit.
	ErrTooLong = errors.New("prompt too long")

	// ErrReplyFailed wraps a failed mentor reply from the LLM.
	ErrReplyFailed = errors.New("mentor reply failed")
)
