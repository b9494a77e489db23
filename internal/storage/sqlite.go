package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// SQLiteStorage implements Storage using SQLite. Lists are rows ordered by a position column,
// so appending to a list is one INSERT and never rewrites the parent.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writers serialized and the foreign key pragma in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// InsertUser inserts a user with an empty document list.
func (s *SQLiteStorage) InsertUser(ctx context.Context, user *models.User) error {
	if user.Key == "" {
		user.Key = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Documents = []models.DocumentRef{}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (key, external_user_id, name, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.Key, user.ExternalUserID, user.Name, user.Email, user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateUser, user.ExternalUserID)
	}
	return err
}

// GetUser returns a user by storage key.
func (s *SQLiteStorage) GetUser(ctx context.Context, key string) (*models.User, error) {
	return s.getUser(ctx, s.db, "key", key)
}

// GetUserByExternalID returns a user by external id.
func (s *SQLiteStorage) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return s.getUser(ctx, s.db, "external_user_id", externalID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStorage) getUser(ctx context.Context, q querier, column, value string) (*models.User, error) {
	var u models.User
	err := q.QueryRowContext(ctx,
		`SELECT key, external_user_id, name, email, created_at FROM users WHERE `+column+` = ?`, value,
	).Scan(&u.Key, &u.ExternalUserID, &u.Name, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", value, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT key, document_hash FROM documents WHERE user_key = ? ORDER BY position`, u.Key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	u.Documents = []models.DocumentRef{}
	for rows.Next() {
		var ref models.DocumentRef
		if err := rows.Scan(&ref.Key, &ref.DocumentHash); err != nil {
			return nil, err
		}
		u.Documents = append(u.Documents, ref)
	}
	return &u, rows.Err()
}

// UpdateUserProfile sets the given profile fields and returns the updated user.
func (s *SQLiteStorage) UpdateUserProfile(ctx context.Context, key string, update models.ProfileUpdate) (*models.User, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = COALESCE(?, name), email = COALESCE(?, email) WHERE key = ?`,
		nullable(update.Name), nullable(update.Email), key,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("user %s: %w", key, models.ErrNotFound)
	}
	return s.GetUser(ctx, key)
}

func nullable(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// UserExternalIDExists reports whether a user with externalID exists.
func (s *SQLiteStorage) UserExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM users WHERE external_user_id = ?`, externalID)
}

// ConversationExternalIDExists reports whether a conversation with externalID exists.
func (s *SQLiteStorage) ConversationExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM conversations WHERE external_conversation_id = ?`, externalID)
}

func (s *SQLiteStorage) exists(ctx context.Context, query string, arg string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExpandUser reads the user tree inside one read transaction.
func (s *SQLiteStorage) ExpandUser(ctx context.Context, key string) (*models.ExpandedUser, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := s.getUser(ctx, tx, "key", key)
	if err != nil {
		return nil, err
	}
	out := &models.ExpandedUser{
		Key:            user.Key,
		ExternalUserID: user.ExternalUserID,
		Name:           user.Name,
		Email:          user.Email,
		Documents:      []models.ExpandedDocument{},
	}

	docRows, err := tx.QueryContext(ctx,
		`SELECT key, document_hash, title FROM documents WHERE user_key = ? ORDER BY position`, key)
	if err != nil {
		return nil, err
	}
	docIndex := make(map[string]int)
	for docRows.Next() {
		var d models.ExpandedDocument
		if err := docRows.Scan(&d.Key, &d.DocumentHash, &d.Title); err != nil {
			docRows.Close()
			return nil, err
		}
		d.Conversations = []models.Conversation{}
		docIndex[d.Key] = len(out.Documents)
		out.Documents = append(out.Documents, d)
	}
	docRows.Close()
	if err := docRows.Err(); err != nil {
		return nil, err
	}

	convRows, err := tx.QueryContext(ctx,
		`SELECT c.key, c.document_key, c.external_conversation_id, c.most_recent_timestamp, c.text_selection_id, c.scaled_position
		 FROM conversations c JOIN documents d ON c.document_key = d.key
		 WHERE d.user_key = ? ORDER BY d.position, c.position`, key)
	if err != nil {
		return nil, err
	}
	type convPos struct{ doc, conv int }
	convIndex := make(map[string]convPos)
	for convRows.Next() {
		c, err := scanConversation(convRows)
		if err != nil {
			convRows.Close()
			return nil, err
		}
		di := docIndex[c.DocumentKey]
		convIndex[c.Key] = convPos{doc: di, conv: len(out.Documents[di].Conversations)}
		out.Documents[di].Conversations = append(out.Documents[di].Conversations, *c)
	}
	convRows.Close()
	if err := convRows.Err(); err != nil {
		return nil, err
	}

	entryRows, err := tx.QueryContext(ctx,
		`SELECT e.conversation_key, e.entity, e.response, e.timestamp
		 FROM entries e
		 JOIN conversations c ON e.conversation_key = c.key
		 JOIN documents d ON c.document_key = d.key
		 WHERE d.user_key = ? ORDER BY e.conversation_key, e.position`, key)
	if err != nil {
		return nil, err
	}
	defer entryRows.Close()
	for entryRows.Next() {
		var convKey string
		var e models.ConversationEntry
		if err := entryRows.Scan(&convKey, &e.Entity, &e.Response, &e.Timestamp); err != nil {
			return nil, err
		}
		p, ok := convIndex[convKey]
		if !ok {
			continue
		}
		c := &out.Documents[p.doc].Conversations[p.conv]
		c.Entries = append(c.Entries, e)
	}
	return out, entryRows.Err()
}

// DeleteUser removes a user that owns no documents.
func (s *SQLiteStorage) DeleteUser(ctx context.Context, key string) error {
	return s.deleteIfEmpty(ctx,
		`SELECT COUNT(*) FROM documents WHERE user_key = ?`,
		`DELETE FROM users WHERE key = ?`,
		"user", key)
}

// deleteIfEmpty deletes one row when its child count is zero, inside one transaction.
func (s *SQLiteStorage) deleteIfEmpty(ctx context.Context, countQuery, deleteQuery, kind, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var children int
	if err := tx.QueryRowContext(ctx, countQuery, key).Scan(&children); err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("%w: %s %s still owns %d children", models.ErrIntegrityViolation, kind, key, children)
	}
	res, err := tx.ExecContext(ctx, deleteQuery, key)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s %s is still referenced", models.ErrIntegrityViolation, kind, key)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", kind, key, models.ErrNotFound)
	}
	return tx.Commit()
}

// AttachDocument inserts the metadata at the end of the user's list. The unique
// (user_key, document_hash) constraint rejects a duplicate in the same statement.
func (s *SQLiteStorage) AttachDocument(ctx context.Context, userKey string, doc *models.DocumentMetadata) error {
	if doc.Key == "" {
		doc.Key = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.UserKey = userKey
	doc.Conversations = []string{}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (key, user_key, document_hash, title, position, created_at)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM documents WHERE user_key = ?), ?)`,
		doc.Key, userKey, doc.DocumentHash, doc.Title, userKey, doc.CreatedAt,
	)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s", models.ErrDuplicateDocumentHash, doc.DocumentHash)
	case isForeignKeyViolation(err):
		return fmt.Errorf("user %s: %w", userKey, models.ErrNotFound)
	}
	return err
}

// GetDocument returns document metadata with its ordered conversation keys.
func (s *SQLiteStorage) GetDocument(ctx context.Context, key string) (*models.DocumentMetadata, error) {
	var d models.DocumentMetadata
	err := s.db.QueryRowContext(ctx,
		`SELECT key, user_key, document_hash, title, created_at FROM documents WHERE key = ?`, key,
	).Scan(&d.Key, &d.UserKey, &d.DocumentHash, &d.Title, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM conversations WHERE document_key = ? ORDER BY position`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	d.Conversations = []string{}
	for rows.Next() {
		var ck string
		if err := rows.Scan(&ck); err != nil {
			return nil, err
		}
		d.Conversations = append(d.Conversations, ck)
	}
	return &d, rows.Err()
}

// DeleteDocument removes a document that hosts no conversations.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, key string) error {
	return s.deleteIfEmpty(ctx,
		`SELECT COUNT(*) FROM conversations WHERE document_key = ?`,
		`DELETE FROM documents WHERE key = ?`,
		"document", key)
}

// DetachDocument is a no-op: a user's list is the set of document rows that name it, so
// a reference cannot outlive its document.
func (s *SQLiteStorage) DetachDocument(ctx context.Context, userKey, documentKey string) error {
	return nil
}

// AttachConversation inserts the conversation at the end of the document's list.
func (s *SQLiteStorage) AttachConversation(ctx context.Context, documentKey string, conv *models.Conversation) error {
	if conv.Key == "" {
		conv.Key = uuid.NewString()
	}
	conv.DocumentKey = documentKey
	conv.Entries = []models.ConversationEntry{}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (key, document_key, external_conversation_id, most_recent_timestamp, text_selection_id, scaled_position, position)
		 VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM conversations WHERE document_key = ?))`,
		conv.Key, documentKey, conv.ExternalConversationID, nullTime(conv.MostRecentTimestamp),
		conv.TextSelectionID, conv.ScaledPosition, documentKey,
	)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s", models.ErrDuplicateConversation, conv.ExternalConversationID)
	case isForeignKeyViolation(err):
		return fmt.Errorf("document %s: %w", documentKey, models.ErrNotFound)
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var recent sql.NullTime
	if err := row.Scan(&c.Key, &c.DocumentKey, &c.ExternalConversationID, &recent, &c.TextSelectionID, &c.ScaledPosition); err != nil {
		return nil, err
	}
	if recent.Valid {
		c.MostRecentTimestamp = recent.Time
	}
	c.Entries = []models.ConversationEntry{}
	return &c, nil
}

// GetConversation returns a conversation with its entries in append order.
func (s *SQLiteStorage) GetConversation(ctx context.Context, key string) (*models.Conversation, error) {
	return s.getConversation(ctx, s.db, "key", key)
}

// GetConversationByExternalID returns a conversation by external id.
func (s *SQLiteStorage) GetConversationByExternalID(ctx context.Context, externalID string) (*models.Conversation, error) {
	return s.getConversation(ctx, s.db, "external_conversation_id", externalID)
}

func (s *SQLiteStorage) getConversation(ctx context.Context, q querier, column, value string) (*models.Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx,
		`SELECT key, document_key, external_conversation_id, most_recent_timestamp, text_selection_id, scaled_position
		 FROM conversations WHERE `+column+` = ?`, value))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", value, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT entity, response, timestamp FROM entries WHERE conversation_key = ? ORDER BY position`, c.Key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e models.ConversationEntry
		if err := rows.Scan(&e.Entity, &e.Response, &e.Timestamp); err != nil {
			return nil, err
		}
		c.Entries = append(c.Entries, e)
	}
	return c, rows.Err()
}

// PushEntry appends an entry and sets most_recent_timestamp in one transaction.
func (s *SQLiteStorage) PushEntry(ctx context.Context, conversationKey string, entry models.ConversationEntry) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET most_recent_timestamp = ? WHERE key = ?`, entry.Timestamp, conversationKey)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationKey, models.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (conversation_key, position, entity, response, timestamp)
		 VALUES (?, (SELECT COALESCE(MAX(position), -1) + 1 FROM entries WHERE conversation_key = ?), ?, ?, ?)`,
		conversationKey, conversationKey, entry.Entity, entry.Response, entry.Timestamp,
	); err != nil {
		return nil, err
	}
	conv, err := s.getConversation(ctx, tx, "key", conversationKey)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation removes a conversation and its entries.
func (s *SQLiteStorage) DeleteConversation(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", key, models.ErrNotFound)
	}
	return nil
}

// DetachConversation is a no-op for the same reason as DetachDocument.
func (s *SQLiteStorage) DetachConversation(ctx context.Context, documentKey, conversationKey string) error {
	return nil
}

// PutContent stores extracted text for a hash. The first writer wins.
func (s *SQLiteStorage) PutContent(ctx context.Context, content *models.DocumentContent) error {
	if content.CreatedAt.IsZero() {
		content.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contents (document_hash, text, byte_size, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(document_hash) DO NOTHING`,
		content.DocumentHash, content.Text, content.ByteSize, content.CreatedAt,
	)
	return err
}

// GetContent returns the shared text for a hash.
func (s *SQLiteStorage) GetContent(ctx context.Context, hash string) (*models.DocumentContent, error) {
	var c models.DocumentContent
	err := s.db.QueryRowContext(ctx,
		`SELECT document_hash, text, byte_size, created_at FROM contents WHERE document_hash = ?`, hash,
	).Scan(&c.DocumentHash, &c.Text, &c.ByteSize, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("content %s: %w", hash, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Stats returns row counts per table.
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dest  *int64
	}{
		{usersCollection, &st.Users},
		{documentsCollection, &st.Documents},
		{conversationsCollection, &st.Conversations},
		{entriesTable, &st.Entries},
		{contentsCollection, &st.Contents},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return &st, nil
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
