// Package models defines the conversation store entities, their inputs, and the relay wire frames.
package models

import (
	"strings"
	"time"
)

// DocumentRef is one entry of a user's ordered document list.
// The hash is carried on the reference so duplicate detection needs only the user record.
type DocumentRef struct {
	Key          string `json:"key" bson:"key" db:"document_key"`
	DocumentHash string `json:"document_hash" bson:"document_hash" db:"document_hash"`
}

// DocumentMetadata is one user's view of an imported document.
// The same DocumentHash may appear under different users; the metadata is per user.
type DocumentMetadata struct {
	Key           string    `json:"key" bson:"_id" db:"key"`
	UserKey       string    `json:"user_key" bson:"user_key" db:"user_key"`
	DocumentHash  string    `json:"document_hash" bson:"document_hash" db:"document_hash"`
	Title         string    `json:"title" bson:"title" db:"title"`
	Conversations []string  `json:"conversations" bson:"conversations" db:"-"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at" db:"created_at"`
}

// Ref returns the reference stored on the owning user.
func (d *DocumentMetadata) Ref() DocumentRef {
	return DocumentRef{Key: d.Key, DocumentHash: d.DocumentHash}
}

// DocumentInput is the caller-supplied part of a DocumentMetadata.
type DocumentInput struct {
	DocumentHash string `json:"documentHash" yaml:"document_hash"`
	Title        string `json:"title" yaml:"title"`
}

// Validate trims the input and rejects an empty hash.
func (in *DocumentInput) Validate() error {
	in.DocumentHash = strings.TrimSpace(in.DocumentHash)
	in.Title = strings.TrimSpace(in.Title)
	if in.DocumentHash == "" {
		return &ValidationError{Field: "documentHash", Message: "must not be empty"}
	}
	return nil
}

// DocumentContent is extracted document text, shared by every user that imports the same bytes.
type DocumentContent struct {
	DocumentHash string    `json:"document_hash" bson:"_id" db:"document_hash"`
	Text         string    `json:"text" bson:"text" db:"text"`
	ByteSize     int64     `json:"byte_size" bson:"byte_size" db:"byte_size"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at" db:"created_at"`
}
