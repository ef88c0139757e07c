// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model (table chat_sessions).
//
// All functions are context-aware and accept a *gorm.DB handle, so they work
// inside transactions as well as on the root connection. They stay thin: no
// business rules beyond the conditional updates the metadata pipeline relies
// on (title freeze and version compare-and-swap).
//
// Error semantics:
//   - A missing row surfaces as gorm.ErrRecordNotFound (exported as ErrNotFound).
//   - Conditional updates report whether a row matched instead of failing.
//   - Any other DB error is propagated unchanged.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a new conversation owned by studentID. An empty
// title stores the untitled sentinel; a non-empty one counts as manual.
func CreateConversation(ctx context.Context, db *gorm.DB, studentID, title string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:             uuid.NewString(),
		StudentID:      studentID,
		Title:          domain.UntitledTitle,
		TitleSource:    domain.TitleSourceNone,
		RiskLevel:      domain.RiskNormal,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if t := strings.TrimSpace(title); t != "" {
		c.Title = t
		c.TitleSource = domain.TitleSourceManual
		c.TitleUpdatedAt = &now
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by id regardless of owner.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversationForStudent fetches a conversation by id and owner.
func GetConversationForStudent(ctx context.Context, db *gorm.DB, id, studentID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND student_id = ?", id, studentID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountConversations returns the number of conversations owned by studentID.
func CountConversations(ctx context.Context, db *gorm.DB, studentID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("student_id = ?", studentID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of studentID's conversations, most
// recently active first.
func ListConversationsPage(ctx context.Context, db *gorm.DB, studentID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("last_activity_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListRecentConversations returns up to limit conversations across all
// students, newest activity first. Used by the backfill scan.
func ListRecentConversations(ctx context.Context, db *gorm.DB, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Order("last_activity_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RenameConversation stores a user-chosen title and freezes it against
// automatic regeneration. Returns ErrNotFound when no owned row matched.
func RenameConversation(ctx context.Context, db *gorm.DB, id, studentID, title string) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND student_id = ?", id, studentID).
		Updates(map[string]any{
			"title":            title,
			"title_source":     domain.TitleSourceManual,
			"title_updated_at": now,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchConversation bumps last_activity_at after a turn was appended.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_activity_at", at.UTC()).Error
}

// UpdateTitleUnlessFrozen writes an automatically generated title only while
// title_source is neither ai nor manual. It reports whether a row was written;
// false means the title was frozen (or the row vanished) in the meantime.
func UpdateTitleUnlessFrozen(ctx context.Context, db *gorm.DB, id, title string, source domain.TitleSource, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND title_source NOT IN ?", id, []domain.TitleSource{domain.TitleSourceAI, domain.TitleSourceManual}).
		Updates(map[string]any{
			"title":            title,
			"title_source":     source,
			"title_updated_at": at.UTC(),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SummaryUpdate carries the columns written together by a summarization run.
type SummaryUpdate struct {
	Summary             string
	RiskLevel           domain.RiskLevel
	RiskReason          string
	CautionMessageCount int
	At                  time.Time
}

// UpdateSummaryIfVersion overwrites summary and risk columns when the stored
// version still equals expected. It reports whether the swap happened.
func UpdateSummaryIfVersion(ctx context.Context, db *gorm.DB, id string, expected int, u SummaryUpdate) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND version = ?", id, expected).
		Updates(map[string]any{
			"summary":               u.Summary,
			"risk_level":            u.RiskLevel,
			"risk_reason":           u.RiskReason,
			"caution_message_count": u.CautionMessageCount,
			"summary_updated_at":    u.At.UTC(),
			"version":               gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
