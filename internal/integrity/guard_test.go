package integrity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
	"github.com/cheikhfiteni/context-ta-backend/internal/storage"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "guard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestValidateDocumentHashes(t *testing.T) {
	tests := []struct {
		name    string
		refs    []models.DocumentRef
		wantErr bool
	}{
		{"empty", nil, false},
		{"distinct", []models.DocumentRef{{Key: "a", DocumentHash: "h1"}, {Key: "b", DocumentHash: "h2"}}, false},
		{"duplicate", []models.DocumentRef{{Key: "a", DocumentHash: "h1"}, {Key: "b", DocumentHash: "h1"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDocumentHashes(tt.refs)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrDuplicateDocumentHash)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckAttach(t *testing.T) {
	user := &models.User{Documents: []models.DocumentRef{{Key: "d1", DocumentHash: "h1"}}}

	assert.NoError(t, CheckAttach(user, &models.DocumentInput{DocumentHash: "h2"}))
	assert.ErrorIs(t, CheckAttach(user, &models.DocumentInput{DocumentHash: " h1 "}), models.ErrDuplicateDocumentHash)

	var ve *models.ValidationError
	assert.True(t, errors.As(CheckAttach(user, &models.DocumentInput{DocumentHash: "  "}), &ve))
}

type tree struct {
	user *models.User
	doc  *models.DocumentMetadata
	conv *models.Conversation
}

func seed(t *testing.T, s *storage.SQLiteStorage, externalID string) tree {
	t.Helper()
	ctx := context.Background()
	u := &models.User{ExternalUserID: externalID}
	require.NoError(t, s.InsertUser(ctx, u))
	d := &models.DocumentMetadata{DocumentHash: "h-" + externalID}
	require.NoError(t, s.AttachDocument(ctx, u.Key, d))
	c := &models.Conversation{ExternalConversationID: "c-" + externalID}
	require.NoError(t, s.AttachConversation(ctx, d.Key, c))
	_, err := s.PushEntry(ctx, c.Key, models.ConversationEntry{Entity: models.EntityUser, Response: "Hi"})
	require.NoError(t, err)
	return tree{user: u, doc: d, conv: c}
}

func TestRemoveUser_CascadesChildFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tr := seed(t, s, "u1")
	keep := seed(t, s, "u2")

	var removed []string
	g := NewGuard(s, WithConversationRemoved(func(_ context.Context, key string) {
		removed = append(removed, key)
	}))

	require.NoError(t, g.RemoveUser(ctx, tr.user.Key))

	_, err := s.GetUser(ctx, tr.user.Key)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetDocument(ctx, tr.doc.Key)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetConversation(ctx, tr.conv.Key)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, []string{tr.conv.Key}, removed)

	_, err = s.ExpandUser(ctx, keep.user.Key)
	assert.NoError(t, err, "other users are untouched")
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Users)
	assert.Equal(t, int64(1), st.Documents)
	assert.Equal(t, int64(1), st.Conversations)
}

func TestRemoveDocument_CascadesConversations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tr := seed(t, s, "u1")
	second := &models.Conversation{ExternalConversationID: "c-extra"}
	require.NoError(t, s.AttachConversation(ctx, tr.doc.Key, second))

	g := NewGuard(s)
	require.NoError(t, g.RemoveDocument(ctx, tr.doc.Key))

	user, err := s.GetUser(ctx, tr.user.Key)
	require.NoError(t, err)
	assert.Empty(t, user.Documents, "the parent list must not reference a removed document")
	_, err = s.GetConversation(ctx, second.Key)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDirectRemovalIsRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tr := seed(t, s, "u1")

	assert.ErrorIs(t, s.DeleteUser(ctx, tr.user.Key), models.ErrIntegrityViolation)
	assert.ErrorIs(t, s.DeleteDocument(ctx, tr.doc.Key), models.ErrIntegrityViolation)
}

func TestRemove_NotFound(t *testing.T) {
	g := NewGuard(newStore(t))
	ctx := context.Background()
	assert.ErrorIs(t, g.RemoveUser(ctx, "missing"), models.ErrNotFound)
	assert.ErrorIs(t, g.RemoveDocument(ctx, "missing"), models.ErrNotFound)
	assert.ErrorIs(t, g.RemoveConversation(ctx, "missing"), models.ErrNotFound)
}

// racingStore attaches a new conversation the first time the document is deleted,
// simulating a writer that races the cascade.
type racingStore struct {
	*storage.SQLiteStorage
	raced bool
}

func (r *racingStore) DeleteDocument(ctx context.Context, key string) error {
	if !r.raced {
		r.raced = true
		if err := r.SQLiteStorage.AttachConversation(ctx, key, &models.Conversation{ExternalConversationID: "late"}); err != nil {
			return err
		}
	}
	return r.SQLiteStorage.DeleteDocument(ctx, key)
}

func TestRemoveDocument_RereadsAfterRace(t *testing.T) {
	s := newStore(t)
	tr := seed(t, s, "u1")
	g := NewGuard(&racingStore{SQLiteStorage: s})

	require.NoError(t, g.RemoveDocument(context.Background(), tr.doc.Key))
	ok, err := s.ConversationExternalIDExists(context.Background(), "late")
	require.NoError(t, err)
	assert.False(t, ok)
}

// danglingStore lists a document and a conversation that no longer exist, the state a
// document store is left in when a delete succeeds but the parent update does not.
type danglingStore struct {
	*storage.SQLiteStorage
	docGone  bool
	convGone bool
}

const (
	ghostDocument     = "ghost-document"
	ghostConversation = "ghost-conversation"
)

func (d *danglingStore) GetUser(ctx context.Context, key string) (*models.User, error) {
	u, err := d.SQLiteStorage.GetUser(ctx, key)
	if err != nil || d.docGone {
		return u, err
	}
	u.Documents = append(u.Documents, models.DocumentRef{Key: ghostDocument, DocumentHash: "gone"})
	return u, nil
}

func (d *danglingStore) GetDocument(ctx context.Context, key string) (*models.DocumentMetadata, error) {
	doc, err := d.SQLiteStorage.GetDocument(ctx, key)
	if err != nil || d.convGone {
		return doc, err
	}
	doc.Conversations = append(doc.Conversations, ghostConversation)
	return doc, nil
}

func (d *danglingStore) DeleteUser(ctx context.Context, key string) error {
	if !d.docGone {
		return models.ErrIntegrityViolation
	}
	return d.SQLiteStorage.DeleteUser(ctx, key)
}

func (d *danglingStore) DeleteDocument(ctx context.Context, key string) error {
	if !d.convGone {
		return models.ErrIntegrityViolation
	}
	return d.SQLiteStorage.DeleteDocument(ctx, key)
}

func (d *danglingStore) DetachDocument(_ context.Context, _, documentKey string) error {
	if documentKey == ghostDocument {
		d.docGone = true
	}
	return nil
}

func (d *danglingStore) DetachConversation(_ context.Context, _, conversationKey string) error {
	if conversationKey == ghostConversation {
		d.convGone = true
	}
	return nil
}

func TestRemoveUser_DropsDanglingReferences(t *testing.T) {
	s := newStore(t)
	tr := seed(t, s, "u1")
	store := &danglingStore{SQLiteStorage: s}
	g := NewGuard(store)

	require.NoError(t, g.RemoveUser(context.Background(), tr.user.Key))
	assert.True(t, store.docGone, "dangling document ref should be detached")
	assert.True(t, store.convGone, "dangling conversation ref should be detached")
	_, err := s.GetUser(context.Background(), tr.user.Key)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
