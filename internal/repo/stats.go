// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the aggregate queries behind the weak
// ETags of the session and message listings.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// ConversationsStats returns how many conversations studentID owns and the
// newest updated_at among them (nil when there are none). Metadata writes bump
// updated_at, so a refreshed summary or risk level changes the ETag.
func ConversationsStats(ctx context.Context, db *gorm.DB, studentID string) (int64, *time.Time, error) {
	q := db.WithContext(ctx).Model(&domain.Conversation{}).Where("student_id = ?", studentID)
	return countAndLatest(q, "updated_at")
}

// MessagesStats returns the number of turns in a conversation and the newest
// created_at. Messages are append-only, so the pair identifies the listing.
func MessagesStats(ctx context.Context, db *gorm.DB, sessionID string) (int64, *time.Time, error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("session_id = ?", sessionID)
	return countAndLatest(q, "created_at")
}

// countAndLatest orders and limits instead of using MAX(), which SQLite hands
// back as TEXT.
func countAndLatest(q *gorm.DB, column string) (int64, *time.Time, error) {
	var count int64
	if err := q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var ts []time.Time
	if err := q.Session(&gorm.Session{}).Order(column+" DESC").Limit(1).Pluck(column, &ts).Error; err != nil {
		return 0, nil, err
	}
	if len(ts) == 0 {
		return count, nil, nil
	}
	return count, &ts[0], nil
}
