package insights

import "errors"

var (
	// ErrNotFound means the conversation does not exist. Terminal.
	ErrNotFound = errors.New("insights: conversation not found")

	// ErrUpstream means the LLM call for a summary failed outright (timeout,
	// transport, non-2xx). Retryable. Title failures never surface this error;
	// they degrade to a fallback title instead.
	ErrUpstream = errors.New("insights: llm call failed")

	// ErrPersist wraps storage failures while writing metadata. Retryable; the
	// computed result is still returned alongside it.
	ErrPersist = errors.New("insights: metadata write failed")

	// ErrConflict means the summary compare-and-swap lost twice in a row.
	// Retryable.
	ErrConflict = errors.New("insights: concurrent metadata update")

	// ErrUnknownMode is returned for a Mode with no configuration.
	ErrUnknownMode = errors.New("insights: unknown mode")
)
