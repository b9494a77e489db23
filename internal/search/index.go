// Package search indexes conversation entries for full-text search scoped to one user.
package search

import (
	"context"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// EntryIndex defines entry indexing and search operations.
type EntryIndex interface {
	IndexEntry(ctx context.Context, entry *IndexedEntry) error
	Search(ctx context.Context, q *models.EntryQuery) ([]*models.EntryHit, error)
	// DeleteConversation removes every entry of a conversation.
	DeleteConversation(ctx context.Context, conversationKey string) error
	DocCount() (uint64, error)
	Close() error
}

// IndexedEntry is a conversation entry with the keys needed to scope and resolve a hit.
type IndexedEntry struct {
	UserKey         string `json:"user_key"`
	DocumentKey     string `json:"document_key"`
	ConversationKey string `json:"conversation_key"`
	Position        int    `json:"position"`
	Entity          string `json:"entity"`
	Response        string `json:"response"`
}
