package store

import "time"

type User struct {
	ID                    string
	Email                 string
	PasswordHash          string
	DisplayName           string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Profile is the per-user application record. Auth identity lives in users;
// everything the chat UI touches hangs off the profile.
type Profile struct {
	ID          string
	UserID      string
	DisplayName string
	SpeechRate  float64
	SpeechLang  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ChatGroup struct {
	ID          string
	ProfileID   string
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatGroupSummary augments a group with message stats for the sidebar list.
type ChatGroupSummary struct {
	ChatGroup
	MessageCount  int
	LastMessage   string
	LastMessageAt *time.Time
}

type ChatMessage struct {
	ID          string
	ChatGroupID string
	Role        string
	Content     string
	Model       string
	CreatedAt   time.Time
}

// Bookmark is unique per (ProfileID, MessageID); the database enforces it.
type Bookmark struct {
	ID           string
	ProfileID    string
	MessageID    string
	EnglishText  string
	JapaneseText string
	Note         string
	CreatedAt    time.Time
}
