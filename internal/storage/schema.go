package storage

import (
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection and table names. Both drivers use the same names.
const (
	usersCollection         = "users"
	documentsCollection     = "documents"
	conversationsCollection = "conversations"
	contentsCollection      = "contents"
	entriesTable            = "entries"
)

// mongoIndexes is the index registry applied once when a MongoStorage opens.
var mongoIndexes = map[string][]mongo.IndexModel{
	usersCollection: {
		{
			Keys:    bson.D{{Key: "external_user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_external_user_id"),
		},
	},
	documentsCollection: {
		{Keys: bson.D{{Key: "user_key", Value: 1}}},
		{Keys: bson.D{{Key: "document_hash", Value: 1}}},
	},
	conversationsCollection: {
		{
			Keys:    bson.D{{Key: "external_conversation_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_external_conversation_id"),
		},
		{Keys: bson.D{{Key: "document_key", Value: 1}}},
	},
	contentsCollection: {},
}

// sqliteSchema is the table registry applied once when a SQLiteStorage opens.
// UNIQUE(user_key, document_hash) backs the per-user hash rule at the storage layer.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	key TEXT PRIMARY KEY,
	external_user_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	key TEXT PRIMARY KEY,
	user_key TEXT NOT NULL REFERENCES users(key),
	document_hash TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (user_key, document_hash)
);

CREATE INDEX IF NOT EXISTS idx_documents_user_position ON documents(user_key, position);

CREATE TABLE IF NOT EXISTS conversations (
	key TEXT PRIMARY KEY,
	document_key TEXT NOT NULL REFERENCES documents(key),
	external_conversation_id TEXT NOT NULL UNIQUE,
	most_recent_timestamp TIMESTAMP,
	text_selection_id TEXT NOT NULL DEFAULT '',
	scaled_position REAL NOT NULL DEFAULT 0,
	position INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_document_position ON conversations(document_key, position);

CREATE TABLE IF NOT EXISTS entries (
	conversation_key TEXT NOT NULL REFERENCES conversations(key) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	entity TEXT NOT NULL,
	response TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL,
	PRIMARY KEY (conversation_key, position)
);

CREATE TABLE IF NOT EXISTS contents (
	document_hash TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	byte_size INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`
