package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/repo"
)

// authorizeViewer allows the conversation's student and the parent linked to
// that student. Anyone else gets ErrForbidden.
func authorizeViewer(ctx context.Context, db *gorm.DB, viewerID string, conv *domain.Conversation) error {
	return authorizeStudent(ctx, db, viewerID, conv.StudentID)
}

func authorizeStudent(ctx context.Context, db *gorm.DB, viewerID, studentID string) error {
	if viewerID == "" {
		return ErrForbidden
	}
	if viewerID == studentID {
		return nil
	}
	ok, err := repo.IsParentOf(ctx, db, viewerID, studentID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
