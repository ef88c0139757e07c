// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// StudentProfile model, which carries the parent/student relationship.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// UpsertStudentProfile links studentID to parentID, replacing any existing link.
func UpsertStudentProfile(ctx context.Context, db *gorm.DB, studentID, parentID, displayName string) (*domain.StudentProfile, error) {
	p := &domain.StudentProfile{
		ID:          uuid.NewString(),
		StudentID:   studentID,
		ParentID:    parentID,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "student_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"parent_id", "display_name"}),
	}).Create(p).Error
	if err != nil {
		return nil, err
	}
	return GetStudentProfile(ctx, db, studentID)
}

// GetStudentProfile returns the profile of studentID or ErrNotFound.
func GetStudentProfile(ctx context.Context, db *gorm.DB, studentID string) (*domain.StudentProfile, error) {
	var p domain.StudentProfile
	if err := db.WithContext(ctx).Where("student_id = ?", studentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// IsParentOf reports whether parentID is linked to studentID.
func IsParentOf(ctx context.Context, db *gorm.DB, parentID, studentID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.StudentProfile{}).
		Where("student_id = ? AND parent_id = ?", studentID, parentID).
		Count(&n).Error
	return n > 0, err
}
