package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// runStorageContract exercises every Storage primitive against a fresh store from open.
func runStorageContract(t *testing.T, open func(t *testing.T) Storage) {
	t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("update profile", func(t *testing.T) { testUpdateProfile(t, open(t)) })
	t.Run("documents", func(t *testing.T) { testDocuments(t, open(t)) })
	t.Run("detach missing refs", func(t *testing.T) { testDetachMissing(t, open(t)) })
	t.Run("conversations", func(t *testing.T) { testConversations(t, open(t)) })
	t.Run("push entry", func(t *testing.T) { testPushEntry(t, open(t)) })
	t.Run("concurrent push entry", func(t *testing.T) { testConcurrentPush(t, open(t)) })
	t.Run("expand user", func(t *testing.T) { testExpandUser(t, open(t)) })
	t.Run("delete rules", func(t *testing.T) { testDeleteRules(t, open(t)) })
	t.Run("content", func(t *testing.T) { testContent(t, open(t)) })
	t.Run("stats", func(t *testing.T) { testStats(t, open(t)) })
}

func ts(sec int) time.Time {
	return time.Date(2024, 3, 1, 12, 0, sec, 0, time.UTC)
}

func mustUser(t *testing.T, s Storage, externalID string) *models.User {
	t.Helper()
	u := &models.User{ExternalUserID: externalID, Name: "Name " + externalID, Email: externalID + "@example.com"}
	require.NoError(t, s.InsertUser(context.Background(), u))
	require.NotEmpty(t, u.Key)
	return u
}

func mustDocument(t *testing.T, s Storage, userKey, hash string) *models.DocumentMetadata {
	t.Helper()
	d := &models.DocumentMetadata{DocumentHash: hash, Title: "Title " + hash}
	require.NoError(t, s.AttachDocument(context.Background(), userKey, d))
	require.NotEmpty(t, d.Key)
	return d
}

func mustConversation(t *testing.T, s Storage, docKey, externalID string) *models.Conversation {
	t.Helper()
	c := &models.Conversation{ExternalConversationID: externalID, TextSelectionID: "sel-" + externalID, ScaledPosition: 0.5}
	require.NoError(t, s.AttachConversation(context.Background(), docKey, c))
	require.NotEmpty(t, c.Key)
	return c
}

func testUsers(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	assert.Empty(t, u.Documents)

	err := s.InsertUser(ctx, &models.User{ExternalUserID: "u1"})
	assert.ErrorIs(t, err, models.ErrDuplicateUser)
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := s.GetUser(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ExternalUserID)
	assert.Equal(t, "u1@example.com", got.Email)
	assert.Empty(t, got.Documents)

	byExt, err := s.GetUserByExternalID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u.Key, byExt.Key)

	_, err = s.GetUserByExternalID(ctx, u.Key)
	assert.ErrorIs(t, err, models.ErrNotFound, "storage key must not resolve as an external id")
	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	ok, err := s.UserExternalIDExists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UserExternalIDExists(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testUpdateProfile(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	mustDocument(t, s, u.Key, "h1")

	name := "Ada Lovelace"
	got, err := s.UpdateUserProfile(ctx, u.Key, models.ProfileUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.Equal(t, "u1@example.com", got.Email, "unset fields are kept")
	assert.Len(t, got.Documents, 1)

	email := "ada@example.org"
	_, err = s.UpdateUserProfile(ctx, u.Key, models.ProfileUpdate{Email: &email})
	require.NoError(t, err)
	reread, err := s.GetUser(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", reread.Name)
	assert.Equal(t, "ada@example.org", reread.Email)
	assert.Equal(t, "u1", reread.ExternalUserID)

	_, err = s.UpdateUserProfile(ctx, "missing", models.ProfileUpdate{Name: &name})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testDetachMissing(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d := mustDocument(t, s, u.Key, "h1")
	c := mustConversation(t, s, d.Key, "c1")

	require.NoError(t, s.DetachDocument(ctx, u.Key, "missing"))
	require.NoError(t, s.DetachConversation(ctx, d.Key, "missing"))

	got, err := s.GetUser(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, []models.DocumentRef{d.Ref()}, got.Documents)
	doc, err := s.GetDocument(ctx, d.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{c.Key}, doc.Conversations)
}

func testDocuments(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d1 := mustDocument(t, s, u.Key, "h1")
	d2 := mustDocument(t, s, u.Key, "h2")
	assert.Equal(t, u.Key, d1.UserKey)

	err := s.AttachDocument(ctx, u.Key, &models.DocumentMetadata{DocumentHash: "h1", Title: "again"})
	assert.ErrorIs(t, err, models.ErrDuplicateDocumentHash)

	got, err := s.GetUser(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, []models.DocumentRef{d1.Ref(), d2.Ref()}, got.Documents, "duplicate attach must leave the list unchanged")

	err = s.AttachDocument(ctx, "missing", &models.DocumentMetadata{DocumentHash: "h3"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	other := mustUser(t, s, "u2")
	mustDocument(t, s, other.Key, "h1")

	doc, err := s.GetDocument(ctx, d1.Key)
	require.NoError(t, err)
	assert.Equal(t, "Title h1", doc.Title)
	assert.Equal(t, u.Key, doc.UserKey)
	assert.Empty(t, doc.Conversations)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testConversations(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d := mustDocument(t, s, u.Key, "h1")
	c1 := mustConversation(t, s, d.Key, "c1")
	c2 := mustConversation(t, s, d.Key, "c2")

	err := s.AttachConversation(ctx, d.Key, &models.Conversation{ExternalConversationID: "c1"})
	assert.ErrorIs(t, err, models.ErrDuplicateConversation)
	err = s.AttachConversation(ctx, "missing", &models.Conversation{ExternalConversationID: "c3"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	ok, err := s.ConversationExternalIDExists(ctx, "c3")
	require.NoError(t, err)
	assert.False(t, ok, "a conversation rejected for a missing document must not linger")

	doc, err := s.GetDocument(ctx, d.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{c1.Key, c2.Key}, doc.Conversations)

	got, err := s.GetConversation(ctx, c1.Key)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ExternalConversationID)
	assert.Equal(t, "sel-c1", got.TextSelectionID)
	assert.Equal(t, 0.5, got.ScaledPosition)
	assert.Equal(t, d.Key, got.DocumentKey)
	assert.Empty(t, got.Entries)

	byExt, err := s.GetConversationByExternalID(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, c2.Key, byExt.Key)

	ok, err = s.ConversationExternalIDExists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testPushEntry(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d := mustDocument(t, s, u.Key, "h1")
	c := mustConversation(t, s, d.Key, "c1")

	for i := 1; i <= 3; i++ {
		conv, err := s.PushEntry(ctx, c.Key, models.ConversationEntry{
			Entity: models.EntityUser, Response: fmt.Sprintf("turn %d", i), Timestamp: ts(i),
		})
		require.NoError(t, err)
		assert.Len(t, conv.Entries, i)
		assert.True(t, conv.MostRecentTimestamp.Equal(ts(i)), "most recent = %v", conv.MostRecentTimestamp)
	}

	got, err := s.GetConversation(ctx, c.Key)
	require.NoError(t, err)
	require.Len(t, got.Entries, 3)
	for i, e := range got.Entries {
		assert.Equal(t, fmt.Sprintf("turn %d", i+1), e.Response)
		assert.True(t, e.Timestamp.Equal(ts(i+1)))
	}

	_, err = s.PushEntry(ctx, "missing", models.ConversationEntry{Entity: models.EntityAI, Timestamp: ts(9)})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testConcurrentPush(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d := mustDocument(t, s, u.Key, "h1")
	c := mustConversation(t, s, d.Key, "c1")

	const writers = 16
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			_, err := s.PushEntry(gctx, c.Key, models.ConversationEntry{
				Entity: models.EntityAI, Response: fmt.Sprintf("w%d", i), Timestamp: ts(i),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.GetConversation(ctx, c.Key)
	require.NoError(t, err)
	assert.Len(t, got.Entries, writers, "no append may be lost")
}

func testExpandUser(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d1 := mustDocument(t, s, u.Key, "h1")
	d2 := mustDocument(t, s, u.Key, "h2")
	c1 := mustConversation(t, s, d1.Key, "c1")
	c2 := mustConversation(t, s, d1.Key, "c2")
	_, err := s.PushEntry(ctx, c2.Key, models.ConversationEntry{Entity: models.EntityUser, Response: "Hi", Timestamp: ts(1)})
	require.NoError(t, err)
	_, err = s.PushEntry(ctx, c2.Key, models.ConversationEntry{Entity: models.EntityAI, Response: "Hello", Timestamp: ts(2)})
	require.NoError(t, err)

	// Another user's tree must not leak in.
	other := mustUser(t, s, "u2")
	od := mustDocument(t, s, other.Key, "h1")
	mustConversation(t, s, od.Key, "c3")

	ex, err := s.ExpandUser(ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, "u1", ex.ExternalUserID)
	require.Len(t, ex.Documents, 2)
	assert.Equal(t, d1.Key, ex.Documents[0].Key)
	assert.Equal(t, d2.Key, ex.Documents[1].Key)
	assert.Empty(t, ex.Documents[1].Conversations)

	convs := ex.Documents[0].Conversations
	require.Len(t, convs, 2)
	assert.Equal(t, c1.Key, convs[0].Key)
	assert.Empty(t, convs[0].Entries)
	assert.Equal(t, c2.Key, convs[1].Key)
	require.Len(t, convs[1].Entries, 2)
	assert.Equal(t, "Hi", convs[1].Entries[0].Response)
	assert.Equal(t, "Hello", convs[1].Entries[1].Response)
	assert.True(t, convs[1].MostRecentTimestamp.Equal(ts(2)))
	assert.Equal(t, 2, ex.EntryCount())

	_, err = s.ExpandUser(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testDeleteRules(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d := mustDocument(t, s, u.Key, "h1")
	c := mustConversation(t, s, d.Key, "c1")
	_, err := s.PushEntry(ctx, c.Key, models.ConversationEntry{Entity: models.EntityUser, Response: "Hi", Timestamp: ts(1)})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteUser(ctx, u.Key), models.ErrIntegrityViolation)
	assert.ErrorIs(t, s.DeleteDocument(ctx, d.Key), models.ErrIntegrityViolation)

	require.NoError(t, s.DeleteConversation(ctx, c.Key))
	_, err = s.GetConversation(ctx, c.Key)
	assert.ErrorIs(t, err, models.ErrNotFound)
	doc, err := s.GetDocument(ctx, d.Key)
	require.NoError(t, err)
	assert.Empty(t, doc.Conversations)

	require.NoError(t, s.DeleteDocument(ctx, d.Key))
	got, err := s.GetUser(ctx, u.Key)
	require.NoError(t, err)
	assert.Empty(t, got.Documents)

	require.NoError(t, s.DeleteUser(ctx, u.Key))
	_, err = s.GetUser(ctx, u.Key)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, s.DeleteUser(ctx, u.Key), models.ErrNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, d.Key), models.ErrNotFound)
	assert.ErrorIs(t, s.DeleteConversation(ctx, c.Key), models.ErrNotFound)
}

func testContent(t *testing.T, s Storage) {
	ctx := context.Background()
	require.NoError(t, s.PutContent(ctx, &models.DocumentContent{DocumentHash: "h1", Text: "first", ByteSize: 5}))
	require.NoError(t, s.PutContent(ctx, &models.DocumentContent{DocumentHash: "h1", Text: "second", ByteSize: 6}))

	got, err := s.GetContent(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Text)
	assert.Equal(t, int64(5), got.ByteSize)

	_, err = s.GetContent(ctx, "h2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testStats(t *testing.T, s Storage) {
	ctx := context.Background()
	u := mustUser(t, s, "u1")
	d := mustDocument(t, s, u.Key, "h1")
	c := mustConversation(t, s, d.Key, "c1")
	_, err := s.PushEntry(ctx, c.Key, models.ConversationEntry{Entity: models.EntityUser, Response: "Hi", Timestamp: ts(1)})
	require.NoError(t, err)
	require.NoError(t, s.PutContent(ctx, &models.DocumentContent{DocumentHash: "h1", Text: "x", ByteSize: 1}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Users: 1, Documents: 1, Conversations: 1, Entries: 1, Contents: 1}, *st)
	require.NoError(t, s.Ping(ctx))
}
