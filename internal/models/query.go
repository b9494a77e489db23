package models

import "fmt"

// EntryQuery is a full-text search over one user's conversation entries.
type EntryQuery struct {
	UserKey     string `json:"-"`
	Query       string `json:"query"`
	DocumentKey string `json:"document_key,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// Validate ensures the query is usable and normalizes the limit.
func (q *EntryQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrValidation)
	}
	if q.UserKey == "" {
		return fmt.Errorf("%w: user key is required", ErrValidation)
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return nil
}
