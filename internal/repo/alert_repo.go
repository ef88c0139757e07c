// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores out-of-band safety alerts.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// CreateSafetyAlert records a danger keyword hit for a conversation.
func CreateSafetyAlert(ctx context.Context, db *gorm.DB, sessionID, studentID, excerpt string, keywords []string) (*domain.SafetyAlert, error) {
	raw, err := json.Marshal(keywords)
	if err != nil {
		return nil, err
	}
	a := &domain.SafetyAlert{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Excerpt:   excerpt,
		Keywords:  datatypes.JSON(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// ListSafetyAlerts returns a conversation's alerts, newest first.
func ListSafetyAlerts(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.SafetyAlert, error) {
	var out []domain.SafetyAlert
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}
