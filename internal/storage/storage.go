// Package storage defines the persistence interface for users, documents and conversations.
package storage

import (
	"context"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// Storage persists the four conversation entities. Every mutation is a single atomic
// conditional update; callers never load, modify and save a list themselves.
type Storage interface {
	// User operations
	InsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, key string) (*models.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error)
	UserExternalIDExists(ctx context.Context, externalID string) (bool, error)
	ExpandUser(ctx context.Context, key string) (*models.ExpandedUser, error)
	UpdateUserProfile(ctx context.Context, key string, update models.ProfileUpdate) (*models.User, error)
	DeleteUser(ctx context.Context, key string) error

	// Document operations
	AttachDocument(ctx context.Context, userKey string, doc *models.DocumentMetadata) error
	GetDocument(ctx context.Context, key string) (*models.DocumentMetadata, error)
	DeleteDocument(ctx context.Context, key string) error
	// DetachDocument drops a reference to documentKey from the user's list. Absent refs are not an error.
	DetachDocument(ctx context.Context, userKey, documentKey string) error

	// Conversation operations
	AttachConversation(ctx context.Context, documentKey string, conv *models.Conversation) error
	GetConversation(ctx context.Context, key string) (*models.Conversation, error)
	GetConversationByExternalID(ctx context.Context, externalID string) (*models.Conversation, error)
	ConversationExternalIDExists(ctx context.Context, externalID string) (bool, error)
	PushEntry(ctx context.Context, conversationKey string, entry models.ConversationEntry) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, key string) error
	DetachConversation(ctx context.Context, documentKey, conversationKey string) error

	// Shared document content
	PutContent(ctx context.Context, content *models.DocumentContent) error
	GetContent(ctx context.Context, hash string) (*models.DocumentContent, error)

	// Stats
	Stats(ctx context.Context) (*Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Stats holds entity counts.
type Stats struct {
	Users         int64 `json:"users"`
	Documents     int64 `json:"documents"`
	Conversations int64 `json:"conversations"`
	Entries       int64 `json:"entries"`
	Contents      int64 `json:"contents"`
}
