// Package services: ChatService
//
// This file implements the ChatService, which manages the lifecycle of mentor
// conversations. It normalizes manual titles, enforces ownership rules, lets a
// linked parent list a student's conversations, and coordinates repository
// operations for creating, listing (with pagination), and renaming.
//
// Automatic titles are not produced here; the insights pipeline owns them and
// never overwrites a title renamed through this service.
package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
	"github.com/tbourn/mentor-chat-backend/internal/insights"
	"github.com/tbourn/mentor-chat-backend/internal/utils"
)

// ChatRepo defines the repository contract required by ChatService.
// Implementations are responsible for persistence of conversations.
type ChatRepo interface {
	// CreateConversation inserts a new conversation for the student.
	CreateConversation(ctx context.Context, db *gorm.DB, studentID, title string) (*domain.Conversation, error)

	// GetConversationForStudent fetches a conversation by ID ensuring it
	// belongs to the student.
	GetConversationForStudent(ctx context.Context, db *gorm.DB, id, studentID string) (*domain.Conversation, error)

	// RenameConversation stores a manual title (only if owned by the student).
	RenameConversation(ctx context.Context, db *gorm.DB, id, studentID, title string) error

	// CountConversations returns the total number of conversations for pagination.
	CountConversations(ctx context.Context, db *gorm.DB, studentID string) (int64, error)

	// ListConversationsPage returns a page of the student's conversations.
	ListConversationsPage(ctx context.Context, db *gorm.DB, studentID string, offset, limit int) ([]domain.Conversation, error)
}

// ChatService provides conversation-level operations such as creating,
// listing and renaming.
type ChatService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the conversation repository used by this service.
	Repo ChatRepo

	// TitleMaxLen caps manual titles by rune length.
	TitleMaxLen int
}

// DefaultSessionTitleMax is the session title cap used when none is configured.
const DefaultSessionTitleMax = 24

// NewChatService constructs a ChatService. titleMax caps manual titles in
// runes (TITLE_MAX_SESSION); <= 0 means DefaultSessionTitleMax.
func NewChatService(db *gorm.DB, r ChatRepo, titleMax int) *ChatService {
	if titleMax <= 0 {
		titleMax = DefaultSessionTitleMax
	}
	return &ChatService{
		DB:          db,
		Repo:        r,
		TitleMaxLen: titleMax,
	}
}

// Create inserts a new conversation owned by studentID. A blank title leaves
// the conversation untitled so the pipeline can name it later; a non-blank one
// is stored as a manual title.
func (s *ChatService) Create(ctx context.Context, studentID, title string) (*domain.Conversation, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "Create",
		trace.WithAttributes(attribute.String("student.id", studentID)),
	)
	defer span.End()

	return s.Repo.CreateConversation(ctx, s.DB, studentID, insights.SanitizeTitle(title, s.TitleMaxLen))
}

// ListPage returns a page of conversations of studentID as seen by viewerID.
// An empty studentID lists the viewer's own conversations; any other student
// requires the viewer to be that student's linked parent.
func (s *ChatService) ListPage(ctx context.Context, viewerID, studentID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("viewer.id", viewerID),
			attribute.String("student.id", studentID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if studentID == "" {
		studentID = viewerID
	}
	if err := authorizeStudent(ctx, s.DB, viewerID, studentID); err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := utils.Offset(page, pageSize)

	total, err := s.Repo.CountConversations(ctx, s.DB, studentID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}

	items, err := s.Repo.ListConversationsPage(ctx, s.DB, studentID, offset, pageSize)
	return items, total, err
}

// UpdateTitle renames a conversation owned by studentID and freezes the title
// against automatic regeneration.
func (s *ChatService) UpdateTitle(ctx context.Context, studentID, sessionID, title string) error {
	ctx, span := otel.Tracer("services/ChatService").Start(ctx, "UpdateTitle",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("student.id", studentID),
		),
	)
	defer span.End()

	title = insights.SanitizeTitle(title, s.TitleMaxLen)
	if title == "" {
		return ErrEmptyTitle
	}
	if _, err := s.Repo.GetConversationForStudent(ctx, s.DB, sessionID, studentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return s.Repo.RenameConversation(ctx, s.DB, sessionID, studentID, title)
}
