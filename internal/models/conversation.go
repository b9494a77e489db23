package models

import (
	"strings"
	"time"
)

// Entity tags for conversation turns.
const (
	EntityUser = "User"
	EntityAI   = "AI"
)

// ConversationEntry is one immutable turn of a conversation.
type ConversationEntry struct {
	Entity    string    `json:"entity" bson:"entity" yaml:"entity"`
	Response  string    `json:"response" bson:"response" yaml:"response"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp" yaml:"timestamp"`
}

// Validate rejects an entry without an author tag.
func (e *ConversationEntry) Validate() error {
	e.Entity = strings.TrimSpace(e.Entity)
	if e.Entity == "" {
		return &ValidationError{Field: "entity", Message: "must not be empty"}
	}
	return nil
}

// Conversation is a thread anchored at a position in a document. Entries are embedded
// so an append is a single update and a read is a single fetch.
type Conversation struct {
	Key                    string              `json:"key" bson:"_id" yaml:"key"`
	DocumentKey            string              `json:"document_key" bson:"document_key" yaml:"document_key"`
	ExternalConversationID string              `json:"external_conversation_id" bson:"external_conversation_id" yaml:"external_conversation_id"`
	MostRecentTimestamp    time.Time           `json:"most_recent_timestamp" bson:"most_recent_timestamp" yaml:"most_recent_timestamp"`
	TextSelectionID        string              `json:"text_selection_id" bson:"text_selection_id" yaml:"text_selection_id"`
	ScaledPosition         float64             `json:"scaled_position" bson:"scaled_position" yaml:"scaled_position"`
	Entries                []ConversationEntry `json:"entries" bson:"entries" yaml:"entries"`
}

// ConversationSeed is the caller-supplied part of a new conversation.
// An empty ExternalConversationID is generated.
type ConversationSeed struct {
	ExternalConversationID string  `json:"externalConversationId"`
	TextSelectionID        string  `json:"textSelectionId"`
	ScaledPosition         float64 `json:"scaledPosition"`
}
