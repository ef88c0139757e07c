package repo

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// ErrDuplicate is returned when a replay record already exists for the key.
var ErrDuplicate = errors.New("duplicate")

// ReplayKey scopes an Idempotency-Key to the caller and the conversation, so
// the same header value in another session never replays a foreign reply.
type ReplayKey struct {
	UserID    string
	SessionID string
	Key       string
}

func (k ReplayKey) valid() bool {
	return strings.TrimSpace(k.UserID) != "" &&
		strings.TrimSpace(k.SessionID) != "" &&
		strings.TrimSpace(k.Key) != ""
}

// GetIdempotency returns the live replay record for k, or ErrNotFound when it
// is missing, expired, or k is incomplete.
func GetIdempotency(ctx context.Context, db *gorm.DB, k ReplayKey, now time.Time) (*domain.Idempotency, error) {
	if !k.valid() {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND key = ? AND expires_at > ?", k.UserID, k.SessionID, k.Key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveIdempotency remembers that k produced the mentor reply messageID until
// now+ttl. A second save for the same key returns ErrDuplicate.
func SaveIdempotency(ctx context.Context, db *gorm.DB, k ReplayKey, messageID string, ttl time.Duration, now time.Time) (*domain.Idempotency, error) {
	if !k.valid() {
		return nil, errors.New("incomplete idempotency key")
	}
	now = now.UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		UserID:    k.UserID,
		SessionID: k.SessionID,
		Key:       k.Key,
		MessageID: messageID,
		Status:    http.StatusOK,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes replay records that expired before now and
// returns how many were removed.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation also matches the plain-text errors glebarez/sqlite
// returns for UNIQUE constraints.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}
