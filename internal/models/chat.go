package models

import "strings"

// StreamCompleted is the content of the terminal success frame.
const StreamCompleted = "Stream completed"

// ChatMessage is one role/content pair of a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the client frame sent over the chat connection.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// Validate rejects an empty message list or a message without a role.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "must not be empty"}
	}
	for i := range r.Messages {
		r.Messages[i].Role = strings.TrimSpace(r.Messages[i].Role)
		if r.Messages[i].Role == "" {
			return &ValidationError{Field: "messages.role", Message: "must not be empty"}
		}
	}
	return nil
}

// Frame is one relay-to-client message. Exactly one of Content or Error is set.
type Frame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ContentFrame returns a fragment frame.
func ContentFrame(s string) Frame { return Frame{Content: s} }

// CompletedFrame returns the terminal success frame.
func CompletedFrame() Frame { return Frame{Content: StreamCompleted} }

// ErrorFrame returns the terminal failure frame.
func ErrorFrame(err error) Frame { return Frame{Error: err.Error()} }

// IsTerminal reports whether f ends a request.
func (f Frame) IsTerminal() bool {
	return f.Error != "" || f.Content == StreamCompleted
}
