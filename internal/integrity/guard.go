// Package integrity enforces the ownership rules around store mutations: distinct document
// hashes per user, and child-first removal of conversations, documents and users.
package integrity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// cascadePasses bounds how often a removal re-reads a parent that gained children mid-cascade.
const cascadePasses = 3

// Store is the subset of storage the guard needs.
type Store interface {
	GetUser(ctx context.Context, key string) (*models.User, error)
	GetDocument(ctx context.Context, key string) (*models.DocumentMetadata, error)
	DeleteConversation(ctx context.Context, key string) error
	DeleteDocument(ctx context.Context, key string) error
	DeleteUser(ctx context.Context, key string) error
	DetachDocument(ctx context.Context, userKey, documentKey string) error
	DetachConversation(ctx context.Context, documentKey, conversationKey string) error
}

// Guard validates mutations and performs cascading removals. It works on keys only.
type Guard struct {
	store     Store
	logger    *zap.Logger
	onRemoved func(ctx context.Context, conversationKey string)
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithConversationRemoved registers a callback run after each conversation is removed.
func WithConversationRemoved(f func(ctx context.Context, conversationKey string)) Option {
	return func(g *Guard) { g.onRemoved = f }
}

// NewGuard returns a Guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidateDocumentHashes rejects a document list whose hashes are not pairwise distinct.
func ValidateDocumentHashes(refs []models.DocumentRef) error {
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.DocumentHash]; dup {
			return fmt.Errorf("%w: %s", models.ErrDuplicateDocumentHash, ref.DocumentHash)
		}
		seen[ref.DocumentHash] = struct{}{}
	}
	return nil
}

// CheckAttach validates input and verifies that the user's list stays distinct once it is
// appended. The storage layer repeats the check atomically.
func CheckAttach(user *models.User, in *models.DocumentInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	next := make([]models.DocumentRef, 0, len(user.Documents)+1)
	next = append(next, user.Documents...)
	next = append(next, models.DocumentRef{DocumentHash: in.DocumentHash})
	return ValidateDocumentHashes(next)
}

// RemoveConversation removes one conversation.
func (g *Guard) RemoveConversation(ctx context.Context, key string) error {
	if err := g.store.DeleteConversation(ctx, key); err != nil {
		return err
	}
	g.logger.Debug("conversation removed", zap.String("conversation", key))
	if g.onRemoved != nil {
		g.onRemoved(ctx, key)
	}
	return nil
}

// RemoveDocument removes every conversation of the document, then the document.
func (g *Guard) RemoveDocument(ctx context.Context, key string) error {
	for pass := 1; ; pass++ {
		doc, err := g.store.GetDocument(ctx, key)
		if err != nil {
			return err
		}
		for _, convKey := range doc.Conversations {
			err := g.RemoveConversation(ctx, convKey)
			if errors.Is(err, models.ErrNotFound) {
				err = g.store.DetachConversation(ctx, key, convKey)
			}
			if err != nil {
				return fmt.Errorf("remove conversation %s of document %s: %w", convKey, key, err)
			}
		}
		err = g.store.DeleteDocument(ctx, key)
		if err == nil {
			g.logger.Debug("document removed", zap.String("document", key), zap.Int("conversations", len(doc.Conversations)))
			return nil
		}
		if !errors.Is(err, models.ErrIntegrityViolation) || pass >= cascadePasses {
			return err
		}
	}
}

// RemoveUser removes every document of the user (and their conversations), then the user.
func (g *Guard) RemoveUser(ctx context.Context, key string) error {
	for pass := 1; ; pass++ {
		user, err := g.store.GetUser(ctx, key)
		if err != nil {
			return err
		}
		for _, ref := range user.Documents {
			err := g.RemoveDocument(ctx, ref.Key)
			if errors.Is(err, models.ErrNotFound) {
				// the document is gone but the user still lists it
				err = g.store.DetachDocument(ctx, key, ref.Key)
			}
			if err != nil {
				return fmt.Errorf("remove document %s of user %s: %w", ref.Key, key, err)
			}
		}
		err = g.store.DeleteUser(ctx, key)
		if err == nil {
			g.logger.Info("user removed", zap.String("user", key), zap.Int("documents", len(user.Documents)))
			return nil
		}
		if !errors.Is(err, models.ErrIntegrityViolation) || pass >= cascadePasses {
			return err
		}
	}
}
