// Package conversation implements the user, document and conversation operations on top of
// a storage driver, the identity generator, the integrity guard and the entry index.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/extract"
	"github.com/cheikhfiteni/context-ta-backend/internal/identity"
	"github.com/cheikhfiteni/context-ta-backend/internal/integrity"
	"github.com/cheikhfiteni/context-ta-backend/internal/models"
	"github.com/cheikhfiteni/context-ta-backend/internal/search"
	"github.com/cheikhfiteni/context-ta-backend/internal/storage"
)

// Service is the conversation store.
type Service struct {
	store     storage.Storage
	index     search.EntryIndex
	suggester *search.Suggester
	ids       *identity.Generator
	guard     *integrity.Guard
	extractor *extract.Extractor
	logger    *zap.Logger
	now       func() time.Time

	maxAttempts int
	idOpts      []identity.Option
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxAttempts caps external id generation (0 means unbounded).
func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// WithExtractor replaces the default document extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(s *Service) { s.extractor = e }
}

// WithClock replaces time.Now for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIdentityOptions passes extra options to the identity generator.
func WithIdentityOptions(opts ...identity.Option) Option {
	return func(s *Service) { s.idOpts = append(s.idOpts, opts...) }
}

// NewService builds a Service. index may be nil, in which case entries are not searchable.
func NewService(store storage.Storage, index search.EntryIndex, opts ...Option) *Service {
	s := &Service{
		store:  store,
		index:  index,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.extractor == nil {
		s.extractor = extract.NewExtractor(0)
	}
	if dict, ok := index.(search.TermDictionary); ok {
		s.suggester = search.NewSuggester(dict)
	}
	idOpts := append([]identity.Option{identity.WithMaxAttempts(s.maxAttempts)}, s.idOpts...)
	s.ids = identity.NewGenerator(store, idOpts...)
	s.guard = integrity.NewGuard(store,
		integrity.WithLogger(s.logger),
		integrity.WithConversationRemoved(s.unindexConversation),
	)
	return s
}

// CreateUser inserts a user with no documents. An empty external id is generated.
func (s *Service) CreateUser(ctx context.Context, profile models.UserProfile) (*models.User, error) {
	profile.Normalize()
	user := &models.User{
		ExternalUserID: profile.ExternalUserID,
		Name:           profile.Name,
		Email:          profile.Email,
		CreatedAt:      s.timestamp(),
	}
	if user.ExternalUserID != "" {
		if err := s.store.InsertUser(ctx, user); err != nil {
			return nil, err
		}
		s.logger.Info("user created", zap.String("user", user.Key))
		return user, nil
	}

	err := s.withGeneratedID(ctx, s.ids.NewUserID, models.ErrDuplicateUser, func(id string) error {
		user.Key = ""
		user.ExternalUserID = id
		return s.store.InsertUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user created", zap.String("user", user.Key), zap.Bool("generated_id", true))
	return user, nil
}

// EnsureUser returns the user with profile.ExternalUserID, creating it on first sight.
func (s *Service) EnsureUser(ctx context.Context, profile models.UserProfile) (*models.User, error) {
	profile.Normalize()
	if profile.ExternalUserID == "" {
		return nil, &models.ValidationError{Field: "externalUserId", Message: "must not be empty"}
	}
	user, err := s.store.GetUserByExternalID(ctx, profile.ExternalUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	user, err = s.CreateUser(ctx, profile)
	if errors.Is(err, models.ErrDuplicateUser) {
		// lost a concurrent first request
		return s.store.GetUserByExternalID(ctx, profile.ExternalUserID)
	}
	return user, err
}

// GetUser returns a user by storage key.
func (s *Service) GetUser(ctx context.Context, key string) (*models.User, error) {
	return s.store.GetUser(ctx, key)
}

// GetUserByExternalID returns a user by external id.
func (s *Service) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return s.store.GetUserByExternalID(ctx, externalID)
}

// UpdateUser sets the user's name and email. ExternalUserID never changes.
func (s *Service) UpdateUser(ctx context.Context, userKey string, update models.ProfileUpdate) (*models.User, error) {
	update.Normalize()
	if err := update.Validate(); err != nil {
		return nil, err
	}
	user, err := s.store.UpdateUserProfile(ctx, userKey, update)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user profile updated", zap.String("user", userKey))
	return user, nil
}

// GetUserExpanded returns the user with every document, conversation and entry inlined.
func (s *Service) GetUserExpanded(ctx context.Context, userKey string) (*models.ExpandedUser, error) {
	return s.store.ExpandUser(ctx, userKey)
}

// AttachDocument creates document metadata and appends its reference to the user.
func (s *Service) AttachDocument(ctx context.Context, userKey string, in models.DocumentInput) (*models.DocumentMetadata, error) {
	user, err := s.store.GetUser(ctx, userKey)
	if err != nil {
		return nil, err
	}
	if err := integrity.CheckAttach(user, &in); err != nil {
		return nil, err
	}
	doc := &models.DocumentMetadata{
		UserKey:      userKey,
		DocumentHash: in.DocumentHash,
		Title:        in.Title,
		CreatedAt:    s.timestamp(),
	}
	if err := s.store.AttachDocument(ctx, userKey, doc); err != nil {
		return nil, err
	}
	s.logger.Info("document attached",
		zap.String("user", userKey),
		zap.String("document", doc.Key),
		zap.String("hash", doc.DocumentHash))
	return doc, nil
}

// ImportDocument extracts the text of an uploaded file, stores it under its content hash and
// attaches the document to the user.
func (s *Service) ImportDocument(ctx context.Context, userKey, fileName string, content []byte) (*models.DocumentMetadata, error) {
	parsed, err := s.extractor.Parse(fileName, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrValidation, fileName, err)
	}
	if err := s.store.PutContent(ctx, &models.DocumentContent{
		DocumentHash: parsed.Hash,
		Text:         parsed.Text,
		ByteSize:     parsed.ByteSize,
		CreatedAt:    s.timestamp(),
	}); err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}
	return s.AttachDocument(ctx, userKey, models.DocumentInput{DocumentHash: parsed.Hash, Title: parsed.Title})
}

// GetDocument returns document metadata by key.
func (s *Service) GetDocument(ctx context.Context, key string) (*models.DocumentMetadata, error) {
	return s.store.GetDocument(ctx, key)
}

// GetDocumentContent returns the extracted text stored for hash.
func (s *Service) GetDocumentContent(ctx context.Context, hash string) (*models.DocumentContent, error) {
	return s.store.GetContent(ctx, hash)
}

// AttachConversation creates a conversation and appends its key to the document.
func (s *Service) AttachConversation(ctx context.Context, documentKey string, seed models.ConversationSeed) (*models.Conversation, error) {
	conv := &models.Conversation{
		ExternalConversationID: seed.ExternalConversationID,
		TextSelectionID:        seed.TextSelectionID,
		ScaledPosition:         seed.ScaledPosition,
	}
	if conv.ExternalConversationID != "" {
		if err := s.store.AttachConversation(ctx, documentKey, conv); err != nil {
			return nil, err
		}
	} else {
		err := s.withGeneratedID(ctx, s.ids.NewConversationID, models.ErrDuplicateConversation, func(id string) error {
			conv.Key = ""
			conv.ExternalConversationID = id
			return s.store.AttachConversation(ctx, documentKey, conv)
		})
		if err != nil {
			return nil, err
		}
	}
	s.logger.Info("conversation attached",
		zap.String("document", documentKey),
		zap.String("conversation", conv.Key))
	return conv, nil
}

// GetConversation returns a conversation by storage key.
func (s *Service) GetConversation(ctx context.Context, key string) (*models.Conversation, error) {
	return s.store.GetConversation(ctx, key)
}

// AppendEntry pushes entry onto the conversation and sets its most recent timestamp. A zero
// timestamp defaults to now. The stored entry is then indexed for search.
func (s *Service) AppendEntry(ctx context.Context, conversationKey string, entry models.ConversationEntry) (*models.Conversation, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.timestamp()
	} else {
		entry.Timestamp = normalizeTime(entry.Timestamp)
	}
	conv, err := s.store.PushEntry(ctx, conversationKey, entry)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("entry appended",
		zap.String("conversation", conversationKey),
		zap.String("entity", entry.Entity),
		zap.Int("entries", len(conv.Entries)))
	s.indexEntry(ctx, conv, len(conv.Entries)-1)
	return conv, nil
}

// RemoveConversation deletes a conversation and unlinks it from its document.
func (s *Service) RemoveConversation(ctx context.Context, key string) error {
	return s.guard.RemoveConversation(ctx, key)
}

// RemoveDocument deletes a document after its conversations.
func (s *Service) RemoveDocument(ctx context.Context, key string) error {
	return s.guard.RemoveDocument(ctx, key)
}

// RemoveUser deletes a user after all of its documents.
func (s *Service) RemoveUser(ctx context.Context, key string) error {
	return s.guard.RemoveUser(ctx, key)
}

// DocumentOwner returns the key of the user that owns a document.
func (s *Service) DocumentOwner(ctx context.Context, documentKey string) (string, error) {
	doc, err := s.store.GetDocument(ctx, documentKey)
	if err != nil {
		return "", err
	}
	return doc.UserKey, nil
}

// ConversationOwner returns the key of the user that owns a conversation.
func (s *Service) ConversationOwner(ctx context.Context, conversationKey string) (string, error) {
	conv, err := s.store.GetConversation(ctx, conversationKey)
	if err != nil {
		return "", err
	}
	return s.DocumentOwner(ctx, conv.DocumentKey)
}

// SearchEntries runs a full-text query over the user's conversation entries.
func (s *Service) SearchEntries(ctx context.Context, q *models.EntryQuery) (*models.EntrySearchResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if s.index == nil {
		return nil, fmt.Errorf("%w: search index is disabled", models.ErrValidation)
	}
	start := time.Now()
	hits, err := s.index.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	resp := &models.EntrySearchResponse{Query: q.Query, Hits: hits}
	if len(hits) == 0 && s.suggester != nil {
		s.retryCorrected(ctx, q, resp)
	}
	resp.Total = len(resp.Hits)
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// retryCorrected reruns a query that matched nothing with misspelled terms replaced.
// The correction is only reported when it matches the user's own entries.
func (s *Service) retryCorrected(ctx context.Context, q *models.EntryQuery, resp *models.EntrySearchResponse) {
	corrected, changed, err := s.suggester.Correct(q.Query)
	if err != nil {
		s.logger.Warn("query correction failed", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	retry := *q
	retry.Query = corrected
	hits, err := s.index.Search(ctx, &retry)
	if err != nil || len(hits) == 0 {
		return
	}
	s.logger.Debug("search query corrected", zap.String("query", q.Query), zap.String("corrected", corrected))
	resp.Hits = hits
	resp.CorrectedQuery = corrected
}

// Stats returns store-wide entity counts.
func (s *Service) Stats(ctx context.Context) (*storage.Stats, error) {
	return s.store.Stats(ctx)
}

// Ping checks the store connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// withGeneratedID runs insert with fresh ids until it stops failing with conflict. The
// generator's existence check makes conflicts rare; the unique index decides races.
func (s *Service) withGeneratedID(ctx context.Context, next func(context.Context) (string, error), conflict error, insert func(id string) error) error {
	for attempt := 1; ; attempt++ {
		id, err := next(ctx)
		if err != nil {
			return err
		}
		err = insert(id)
		if err == nil || !errors.Is(err, conflict) {
			return err
		}
		if limit := s.ids.MaxAttempts(); limit > 0 && attempt >= limit {
			return fmt.Errorf("%w: %v", models.ErrIdentityExhausted, err)
		}
		s.logger.Debug("generated id lost insert race", zap.Int("attempt", attempt))
	}
}

func (s *Service) indexEntry(ctx context.Context, conv *models.Conversation, position int) {
	if s.index == nil || position < 0 {
		return
	}
	owner, err := s.DocumentOwner(ctx, conv.DocumentKey)
	if err != nil {
		s.logger.Warn("entry not indexed", zap.String("conversation", conv.Key), zap.Error(err))
		return
	}
	entry := conv.Entries[position]
	err = s.index.IndexEntry(ctx, &search.IndexedEntry{
		UserKey:         owner,
		DocumentKey:     conv.DocumentKey,
		ConversationKey: conv.Key,
		Position:        position,
		Entity:          entry.Entity,
		Response:        entry.Response,
	})
	if err != nil {
		s.logger.Warn("entry not indexed", zap.String("conversation", conv.Key), zap.Error(err))
	}
}

func (s *Service) unindexConversation(ctx context.Context, conversationKey string) {
	if s.index == nil {
		return
	}
	if err := s.index.DeleteConversation(ctx, conversationKey); err != nil {
		s.logger.Warn("conversation left in index", zap.String("conversation", conversationKey), zap.Error(err))
	}
}

func (s *Service) timestamp() time.Time {
	return normalizeTime(s.now())
}

// normalizeTime drops sub-millisecond precision, which the document store does not keep.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
