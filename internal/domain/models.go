// Package domain defines the persistence models for mentor conversations,
// their messages, parent/student relationships and safety alerts. These types
// are mapped with GORM; table and column names mirror the hosted schema so the
// same models work against SQLite in development and Postgres in production.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UntitledTitle is the sentinel title of a conversation nobody has named yet.
const UntitledTitle = "새 대화"

// Message roles. "model" follows the Gemini vocabulary for the mentor side.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// TitleSource records who produced the current title. Transitions only move
// forward: none -> fallback -> ai|manual. ai and manual are frozen.
type TitleSource string

const (
	TitleSourceNone     TitleSource = "none"
	TitleSourceFallback TitleSource = "fallback"
	TitleSourceAI       TitleSource = "ai"
	TitleSourceManual   TitleSource = "manual"
)

// Frozen reports whether automatic title generation must leave the title alone.
func (s TitleSource) Frozen() bool {
	return s == TitleSourceAI || s == TitleSourceManual
}

// RiskLevel is the three-value safety classification of a conversation.
type RiskLevel string

const (
	RiskStable  RiskLevel = "stable"
	RiskNormal  RiskLevel = "normal"
	RiskCaution RiskLevel = "caution"
)

// Valid reports whether r is one of the three known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskStable, RiskNormal, RiskCaution:
		return true
	}
	return false
}

// Conversation is one chat thread between a student and the mentor, plus the
// derived metadata (title, summary, risk) the insights pipeline maintains.
//
// MessageCount is not stored; it is derived from the messages table.
// CautionMessageCount holds the message count at the time caution was last
// recorded and drives the risk downgrade hold.
// Version is incremented on every metadata write and used for compare-and-swap.
type Conversation struct {
	ID                  string         `json:"id"                    gorm:"type:char(36);primaryKey"`
	StudentID           string         `json:"student_id"            gorm:"type:varchar(64);not null;index:idx_student_sessions"`
	Title               string         `json:"title"                 gorm:"type:varchar(255);not null;default:'새 대화'"`
	TitleSource         TitleSource    `json:"title_source"          gorm:"type:varchar(16);not null;default:'none';check:title_source IN ('none','fallback','ai','manual')"`
	TitleUpdatedAt      *time.Time     `json:"title_updated_at,omitempty"`
	Summary             string         `json:"summary,omitempty"     gorm:"type:text;not null;default:''"`
	SummaryUpdatedAt    *time.Time     `json:"summary_updated_at,omitempty"`
	RiskLevel           RiskLevel      `json:"risk_level"            gorm:"type:varchar(16);not null;default:'normal';check:risk_level IN ('stable','normal','caution')"`
	RiskReason          string         `json:"risk_reason,omitempty" gorm:"type:text;not null;default:''"`
	CautionMessageCount int            `json:"-"                     gorm:"not null;default:0"`
	LastActivityAt      time.Time      `json:"last_activity_at"      gorm:"index:idx_sessions_activity"`
	Version             int            `json:"-"                     gorm:"not null;default:0"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `json:"-"                     gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "chat_sessions" }

// Message is a single append-only turn within a conversation. Turns are
// totally ordered by (created_at, id).
type Message struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:char(36);not null;index:idx_session_msgs,priority:1"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','model')"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_session_msgs,priority:2"`

	// Session is the parent conversation; messages are cascade-deleted with it.
	Session Conversation `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// StudentProfile links a student identity to the parent allowed to read the
// student's conversation metadata.
type StudentProfile struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	StudentID   string    `json:"student_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_profile_student"`
	ParentID    string    `json:"parent_id"    gorm:"type:varchar(64);not null;index:idx_profile_parent"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(64);not null;default:''"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for StudentProfile.
func (StudentProfile) TableName() string { return "student_profiles" }

// SafetyAlert is an out-of-band record raised when a user message matches the
// danger keyword list. Keywords holds the matched terms as a JSON array.
type SafetyAlert struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string         `json:"session_id" gorm:"type:char(36);not null;index"`
	StudentID string         `json:"student_id" gorm:"type:varchar(64);not null;index"`
	Excerpt   string         `json:"excerpt"    gorm:"type:text;not null"`
	Keywords  datatypes.JSON `json:"keywords"`
	CreatedAt time.Time      `json:"created_at" gorm:"index"`

	Session Conversation `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SafetyAlert.
func (SafetyAlert) TableName() string { return "safety_alerts" }
