package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

const mongoDisconnectTimeout = 10 * time.Second

// MongoStorage implements Storage on MongoDB. Lists live inside the parent document and
// are mutated only with conditional $push/$pull updates.
type MongoStorage struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStorage connects to uri, pings the deployment, and applies the index registry.
func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerSelectionTimeout(5 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	s := &MongoStorage{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	for name, indexes := range mongoIndexes {
		if len(indexes) == 0 {
			continue
		}
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", name, err)
		}
	}
	return nil
}

func (s *MongoStorage) users() *mongo.Collection         { return s.db.Collection(usersCollection) }
func (s *MongoStorage) documents() *mongo.Collection     { return s.db.Collection(documentsCollection) }
func (s *MongoStorage) conversations() *mongo.Collection { return s.db.Collection(conversationsCollection) }
func (s *MongoStorage) contents() *mongo.Collection      { return s.db.Collection(contentsCollection) }

func newMongoKey() string {
	return bson.NewObjectID().Hex()
}

func notFound(kind, key string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", kind, key, models.ErrNotFound)
	}
	return err
}

// InsertUser inserts a user with an empty document list.
func (s *MongoStorage) InsertUser(ctx context.Context, user *models.User) error {
	if user.Key == "" {
		user.Key = newMongoKey()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Documents = []models.DocumentRef{}
	if _, err := s.users().InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", models.ErrDuplicateUser, user.ExternalUserID)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by storage key.
func (s *MongoStorage) GetUser(ctx context.Context, key string) (*models.User, error) {
	var u models.User
	if err := s.users().FindOne(ctx, bson.M{"_id": key}).Decode(&u); err != nil {
		return nil, notFound("user", key, err)
	}
	return &u, nil
}

// GetUserByExternalID returns a user by external id.
func (s *MongoStorage) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	var u models.User
	if err := s.users().FindOne(ctx, bson.M{"external_user_id": externalID}).Decode(&u); err != nil {
		return nil, notFound("user", externalID, err)
	}
	return &u, nil
}

// UpdateUserProfile sets the given profile fields and returns the updated user.
func (s *MongoStorage) UpdateUserProfile(ctx context.Context, key string, update models.ProfileUpdate) (*models.User, error) {
	set := bson.M{}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Email != nil {
		set["email"] = *update.Email
	}
	if len(set) == 0 {
		return s.GetUser(ctx, key)
	}
	var u models.User
	err := s.users().FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&u)
	if err != nil {
		return nil, notFound("user", key, err)
	}
	return &u, nil
}

// UserExternalIDExists reports whether a user with externalID exists.
func (s *MongoStorage) UserExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	return s.exists(ctx, s.users(), bson.M{"external_user_id": externalID})
}

// ConversationExternalIDExists reports whether a conversation with externalID exists.
func (s *MongoStorage) ConversationExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	return s.exists(ctx, s.conversations(), bson.M{"external_conversation_id": externalID})
}

func (s *MongoStorage) exists(ctx context.Context, coll *mongo.Collection, filter bson.M) (bool, error) {
	n, err := coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// expandedDocument is the shape produced by the nested $lookup.
type expandedDocument struct {
	models.DocumentMetadata `bson:",inline"`
	ConversationDocs        []models.Conversation `bson:"conversation_docs"`
}

type expandedUser struct {
	models.User  `bson:",inline"`
	DocumentDocs []expandedDocument `bson:"document_docs"`
}

// ExpandUser joins users, documents and conversations in one aggregation. Lookup results
// are reordered to follow the reference lists, which define the visible order.
func (s *MongoStorage) ExpandUser(ctx context.Context, key string) (*models.ExpandedUser, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": key}}},
		{{Key: "$lookup", Value: bson.M{
			"from": documentsCollection,
			"let":  bson.M{"owner": "$_id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{"$expr": bson.M{"$eq": bson.A{"$user_key", "$$owner"}}}},
				bson.M{"$lookup": bson.M{
					"from":         conversationsCollection,
					"localField":   "_id",
					"foreignField": "document_key",
					"as":           "conversation_docs",
				}},
			},
			"as": "document_docs",
		}}},
	}
	cur, err := s.users().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("expand user: %w", err)
	}
	var rows []expandedUser
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("expand user: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("user %s: %w", key, models.ErrNotFound)
	}
	return assembleExpanded(&rows[0]), nil
}

func assembleExpanded(row *expandedUser) *models.ExpandedUser {
	docs := make(map[string]*expandedDocument, len(row.DocumentDocs))
	for i := range row.DocumentDocs {
		docs[row.DocumentDocs[i].Key] = &row.DocumentDocs[i]
	}
	out := &models.ExpandedUser{
		Key:            row.Key,
		ExternalUserID: row.ExternalUserID,
		Name:           row.Name,
		Email:          row.Email,
		Documents:      make([]models.ExpandedDocument, 0, len(row.Documents)),
	}
	for _, ref := range row.Documents {
		d, ok := docs[ref.Key]
		if !ok {
			continue
		}
		convs := make(map[string]models.Conversation, len(d.ConversationDocs))
		for _, c := range d.ConversationDocs {
			convs[c.Key] = c
		}
		ed := models.ExpandedDocument{
			Key:           d.Key,
			DocumentHash:  d.DocumentHash,
			Title:         d.Title,
			Conversations: make([]models.Conversation, 0, len(d.Conversations)),
		}
		for _, ck := range d.Conversations {
			c, ok := convs[ck]
			if !ok {
				continue
			}
			if c.Entries == nil {
				c.Entries = []models.ConversationEntry{}
			}
			ed.Conversations = append(ed.Conversations, c)
		}
		out.Documents = append(out.Documents, ed)
	}
	return out
}

// DeleteUser removes a user whose document list is empty.
func (s *MongoStorage) DeleteUser(ctx context.Context, key string) error {
	res, err := s.users().DeleteOne(ctx, bson.M{"_id": key, "documents.0": bson.M{"$exists": false}})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if res.DeletedCount == 1 {
		return nil
	}
	return s.blockedOrMissing(ctx, s.users(), "user", key)
}

func (s *MongoStorage) blockedOrMissing(ctx context.Context, coll *mongo.Collection, kind, key string) error {
	ok, err := s.exists(ctx, coll, bson.M{"_id": key})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, key, models.ErrNotFound)
	}
	return fmt.Errorf("%w: %s %s still owns children", models.ErrIntegrityViolation, kind, key)
}

// AttachDocument inserts the metadata, then pushes its reference onto the user only if no
// reference with the same hash is present. A rejected push leaves the inserted metadata
// orphaned; it is removed before returning.
func (s *MongoStorage) AttachDocument(ctx context.Context, userKey string, doc *models.DocumentMetadata) error {
	if doc.Key == "" {
		doc.Key = newMongoKey()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.UserKey = userKey
	doc.Conversations = []string{}
	if _, err := s.documents().InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	res, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userKey, "documents.document_hash": bson.M{"$ne": doc.DocumentHash}},
		bson.M{"$push": bson.M{"documents": doc.Ref()}},
	)
	if err == nil && res.MatchedCount == 1 {
		return nil
	}
	cleanupErr := s.removeOrphan(ctx, s.documents(), "document", doc.Key)
	if err != nil {
		return errors.Join(fmt.Errorf("attach document: %w", err), cleanupErr)
	}
	ok, err := s.exists(ctx, s.users(), bson.M{"_id": userKey})
	if err != nil {
		return errors.Join(err, cleanupErr)
	}
	if !ok {
		return errors.Join(fmt.Errorf("user %s: %w", userKey, models.ErrNotFound), cleanupErr)
	}
	return errors.Join(fmt.Errorf("%w: %s", models.ErrDuplicateDocumentHash, doc.DocumentHash), cleanupErr)
}

// removeOrphan deletes a record whose reference could not be pushed onto its parent.
func (s *MongoStorage) removeOrphan(ctx context.Context, coll *mongo.Collection, kind, key string) error {
	if _, err := coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("remove orphaned %s %s: %w", kind, key, err)
	}
	return nil
}

// GetDocument returns document metadata by key.
func (s *MongoStorage) GetDocument(ctx context.Context, key string) (*models.DocumentMetadata, error) {
	var d models.DocumentMetadata
	if err := s.documents().FindOne(ctx, bson.M{"_id": key}).Decode(&d); err != nil {
		return nil, notFound("document", key, err)
	}
	if d.Conversations == nil {
		d.Conversations = []string{}
	}
	return &d, nil
}

// DeleteDocument removes a document with no conversations and pulls it from its owner.
func (s *MongoStorage) DeleteDocument(ctx context.Context, key string) error {
	var d models.DocumentMetadata
	err := s.documents().FindOneAndDelete(ctx, bson.M{"_id": key, "conversations.0": bson.M{"$exists": false}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s.blockedOrMissing(ctx, s.documents(), "document", key)
	}
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return s.DetachDocument(ctx, d.UserKey, key)
}

// DetachDocument pulls documentKey from the user's document list.
func (s *MongoStorage) DetachDocument(ctx context.Context, userKey, documentKey string) error {
	if _, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userKey},
		bson.M{"$pull": bson.M{"documents": bson.M{"key": documentKey}}},
	); err != nil {
		return fmt.Errorf("detach document: %w", err)
	}
	return nil
}

// AttachConversation inserts the conversation and pushes its key onto the document.
func (s *MongoStorage) AttachConversation(ctx context.Context, documentKey string, conv *models.Conversation) error {
	if conv.Key == "" {
		conv.Key = newMongoKey()
	}
	conv.DocumentKey = documentKey
	conv.Entries = []models.ConversationEntry{}
	if _, err := s.conversations().InsertOne(ctx, conv); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", models.ErrDuplicateConversation, conv.ExternalConversationID)
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	res, err := s.documents().UpdateOne(ctx,
		bson.M{"_id": documentKey},
		bson.M{"$push": bson.M{"conversations": conv.Key}},
	)
	if err == nil && res.MatchedCount == 1 {
		return nil
	}
	cleanupErr := s.removeOrphan(ctx, s.conversations(), "conversation", conv.Key)
	if err != nil {
		return errors.Join(fmt.Errorf("attach conversation: %w", err), cleanupErr)
	}
	return errors.Join(fmt.Errorf("document %s: %w", documentKey, models.ErrNotFound), cleanupErr)
}

// GetConversation returns a conversation by key.
func (s *MongoStorage) GetConversation(ctx context.Context, key string) (*models.Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": key}, key)
}

// GetConversationByExternalID returns a conversation by external id.
func (s *MongoStorage) GetConversationByExternalID(ctx context.Context, externalID string) (*models.Conversation, error) {
	return s.findConversation(ctx, bson.M{"external_conversation_id": externalID}, externalID)
}

func (s *MongoStorage) findConversation(ctx context.Context, filter bson.M, label string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.conversations().FindOne(ctx, filter).Decode(&c); err != nil {
		return nil, notFound("conversation", label, err)
	}
	if c.Entries == nil {
		c.Entries = []models.ConversationEntry{}
	}
	return &c, nil
}

// PushEntry appends entry and sets most_recent_timestamp in a single update.
func (s *MongoStorage) PushEntry(ctx context.Context, conversationKey string, entry models.ConversationEntry) (*models.Conversation, error) {
	var c models.Conversation
	err := s.conversations().FindOneAndUpdate(ctx,
		bson.M{"_id": conversationKey},
		bson.M{
			"$push": bson.M{"entries": entry},
			"$set":  bson.M{"most_recent_timestamp": entry.Timestamp},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return nil, notFound("conversation", conversationKey, err)
	}
	return &c, nil
}

// DeleteConversation removes a conversation and pulls its key from the parent document.
func (s *MongoStorage) DeleteConversation(ctx context.Context, key string) error {
	var c models.Conversation
	if err := s.conversations().FindOneAndDelete(ctx, bson.M{"_id": key}).Decode(&c); err != nil {
		return notFound("conversation", key, err)
	}
	return s.DetachConversation(ctx, c.DocumentKey, key)
}

// DetachConversation pulls conversationKey from the document's conversation list.
func (s *MongoStorage) DetachConversation(ctx context.Context, documentKey, conversationKey string) error {
	if _, err := s.documents().UpdateOne(ctx,
		bson.M{"_id": documentKey},
		bson.M{"$pull": bson.M{"conversations": conversationKey}},
	); err != nil {
		return fmt.Errorf("detach conversation: %w", err)
	}
	return nil
}

// PutContent stores extracted text for a hash. The first writer wins.
func (s *MongoStorage) PutContent(ctx context.Context, content *models.DocumentContent) error {
	if content.CreatedAt.IsZero() {
		content.CreatedAt = time.Now().UTC()
	}
	_, err := s.contents().UpdateOne(ctx,
		bson.M{"_id": content.DocumentHash},
		bson.M{"$setOnInsert": bson.M{
			"text":       content.Text,
			"byte_size":  content.ByteSize,
			"created_at": content.CreatedAt,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put content: %w", err)
	}
	return nil
}

// GetContent returns the shared text for a hash.
func (s *MongoStorage) GetContent(ctx context.Context, hash string) (*models.DocumentContent, error) {
	var c models.DocumentContent
	if err := s.contents().FindOne(ctx, bson.M{"_id": hash}).Decode(&c); err != nil {
		return nil, notFound("content", hash, err)
	}
	return &c, nil
}

// Stats returns document counts per collection and the total number of entries.
func (s *MongoStorage) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	counts := []struct {
		coll *mongo.Collection
		dest *int64
	}{
		{s.users(), &st.Users},
		{s.documents(), &st.Documents},
		{s.conversations(), &st.Conversations},
		{s.contents(), &st.Contents},
	}
	for _, c := range counts {
		n, err := c.coll.CountDocuments(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c.coll.Name(), err)
		}
		*c.dest = n
	}

	cur, err := s.conversations().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id": nil,
			"n":   bson.M{"$sum": bson.M{"$size": bson.M{"$ifNull": bson.A{"$entries", bson.A{}}}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	var totals []struct {
		N int64 `bson:"n"`
	}
	if err := cur.All(ctx, &totals); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	if len(totals) > 0 {
		st.Entries = totals[0].N
	}
	return &st, nil
}

// Ping checks the deployment is reachable.
func (s *MongoStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
