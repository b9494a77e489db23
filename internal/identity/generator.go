// Package identity generates collision-free external identifiers for users and conversations.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

// Checker reports whether an external id is already taken.
type Checker interface {
	UserExternalIDExists(ctx context.Context, externalID string) (bool, error)
	ConversationExternalIDExists(ctx context.Context, externalID string) (bool, error)
}

// Generator draws random candidates and verifies them against the store.
type Generator struct {
	checker     Checker
	candidate   func() string
	maxAttempts int
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxAttempts caps the number of candidates tried per call. n <= 0 means unbounded.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) { g.maxAttempts = n }
}

// WithCandidateFunc replaces the random candidate source.
func WithCandidateFunc(f func() string) Option {
	return func(g *Generator) { g.candidate = f }
}

// NewGenerator returns a Generator backed by checker. Candidates are random UUIDs.
func NewGenerator(checker Checker, opts ...Option) *Generator {
	g := &Generator{checker: checker, candidate: uuid.NewString}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAttempts returns the configured cap (0 means unbounded).
func (g *Generator) MaxAttempts() int {
	if g.maxAttempts < 0 {
		return 0
	}
	return g.maxAttempts
}

// NewUserID returns an external user id not present in the store.
func (g *Generator) NewUserID(ctx context.Context) (string, error) {
	return g.next(ctx, "user", g.checker.UserExternalIDExists)
}

// NewConversationID returns an external conversation id not present in the store.
func (g *Generator) NewConversationID(ctx context.Context) (string, error) {
	return g.next(ctx, "conversation", g.checker.ConversationExternalIDExists)
}

func (g *Generator) next(ctx context.Context, kind string, exists func(context.Context, string) (bool, error)) (string, error) {
	for attempt := 1; g.maxAttempts <= 0 || attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id := g.candidate()
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check %s id: %w", kind, err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no free %s id after %d attempts", models.ErrIdentityExhausted, kind, g.maxAttempts)
}
