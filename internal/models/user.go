package models

import (
	"strings"
	"time"
)

// User owns an ordered list of documents. ExternalUserID is immutable after creation.
type User struct {
	Key            string        `json:"key" bson:"_id" db:"key"`
	ExternalUserID string        `json:"external_user_id" bson:"external_user_id" db:"external_user_id"`
	Name           string        `json:"name" bson:"name" db:"name"`
	Email          string        `json:"email" bson:"email" db:"email"`
	Documents      []DocumentRef `json:"documents" bson:"documents" db:"-"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at" db:"created_at"`
}

// HasDocumentHash reports whether hash is already attached to the user.
func (u *User) HasDocumentHash(hash string) bool {
	for _, ref := range u.Documents {
		if ref.DocumentHash == hash {
			return true
		}
	}
	return false
}

// OwnsDocument reports whether key is in the user's document list.
func (u *User) OwnsDocument(key string) bool {
	for _, ref := range u.Documents {
		if ref.Key == key {
			return true
		}
	}
	return false
}

// UserProfile is the input to user creation. An empty ExternalUserID is generated.
type UserProfile struct {
	ExternalUserID string `json:"externalUserId" yaml:"external_user_id"`
	Name           string `json:"name" yaml:"name"`
	Email          string `json:"email" yaml:"email"`
}

// Normalize trims whitespace from every field.
func (p *UserProfile) Normalize() {
	p.ExternalUserID = strings.TrimSpace(p.ExternalUserID)
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)
}

// ExpandedUser is a user with every document, conversation and entry materialized.
type ExpandedUser struct {
	Key            string             `json:"key" yaml:"key"`
	ExternalUserID string             `json:"external_user_id" yaml:"external_user_id"`
	Name           string             `json:"name" yaml:"name"`
	Email          string             `json:"email" yaml:"email"`
	Documents      []ExpandedDocument `json:"documents" yaml:"documents"`
}

// ExpandedDocument is a document with its conversations in list order.
type ExpandedDocument struct {
	Key           string         `json:"key" yaml:"key"`
	DocumentHash  string         `json:"document_hash" yaml:"document_hash"`
	Title         string         `json:"title" yaml:"title"`
	Conversations []Conversation `json:"conversations" yaml:"conversations"`
}

// EntryCount returns the number of entries across every conversation of the user.
func (e *ExpandedUser) EntryCount() int {
	n := 0
	for _, d := range e.Documents {
		for _, c := range d.Conversations {
			n += len(c.Entries)
		}
	}
	return n
}

// ProfileUpdate changes the mutable profile fields of a user. Nil fields are left as they are.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// Normalize trims whitespace from the set fields.
func (p *ProfileUpdate) Normalize() {
	if p.Name != nil {
		v := strings.TrimSpace(*p.Name)
		p.Name = &v
	}
	if p.Email != nil {
		v := strings.TrimSpace(*p.Email)
		p.Email = &v
	}
}

// Validate rejects an update that sets nothing or carries a malformed email.
func (p *ProfileUpdate) Validate() error {
	if p.Name == nil && p.Email == nil {
		return &ValidationError{Field: "profile", Message: "must set name or email"}
	}
	if p.Email != nil && *p.Email != "" && !strings.Contains(*p.Email, "@") {
		return &ValidationError{Field: "email", Message: "must be an email address"}
	}
	return nil
}
