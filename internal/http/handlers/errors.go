// Package handlers defines the error codes carried in every error envelope.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on the human-readable message. Generic codes mirror the HTTP status,
// domain codes name the operation that failed.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "error": "no relationship to the conversation owner",
//	  "code": "forbidden",
//	  "message": "no relationship to the conversation owner"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeUpstream         = "upstream_error"
	ErrCodeAnswerFailed     = "answer_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeMetadataFailed   = "metadata_failed"
	ErrCodeBackfillFailed   = "backfill_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
