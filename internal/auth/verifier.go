// Package auth verifies bearer tokens issued by the identity provider.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned for any token that fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier validates access tokens and returns their subject.
type Verifier struct {
	issuer   string
	audience string
	hmacKey  []byte
	rsaKey   *rsa.PublicKey
	leeway   time.Duration
}

// Options configures a Verifier. Exactly one of SigningKey or PublicKeyPEM must be set.
type Options struct {
	// Domain is the identity provider domain; the expected issuer is https://<Domain>/.
	Domain   string
	Audience string
	// SigningKey enables HS256.
	SigningKey string
	// PublicKeyPEM enables RS256.
	PublicKeyPEM []byte
	Leeway       time.Duration
}

// NewVerifier builds a Verifier from opts.
func NewVerifier(opts Options) (*Verifier, error) {
	v := &Verifier{
		issuer:   IssuerFor(opts.Domain),
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}
	switch {
	case len(opts.PublicKeyPEM) > 0:
		key, err := jwt.ParseRSAPublicKeyFromPEM(opts.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		v.rsaKey = key
	case opts.SigningKey != "":
		v.hmacKey = []byte(opts.SigningKey)
	default:
		return nil, errors.New("auth: a signing key or public key is required")
	}
	return v, nil
}

// NewVerifierFromFile is NewVerifier with the RS256 public key read from path.
func NewVerifierFromFile(opts Options, path string) (*Verifier, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	opts.PublicKeyPEM = pem
	return NewVerifier(opts)
}

// IssuerFor returns the issuer URL for an identity provider domain.
func IssuerFor(domain string) string {
	if domain == "" {
		return ""
	}
	domain = strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://")
	return "https://" + strings.TrimSuffix(domain, "/") + "/"
}

// Verify parses token and returns its subject.
func (v *Verifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	parserOpts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithLeeway(v.leeway)}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	if v.rsaKey != nil {
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	} else {
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if v.rsaKey != nil {
			return v.rsaKey, nil
		}
		return v.hmacKey, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

type subjectKey struct{}

// WithSubject stores the verified subject in ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the verified subject stored in ctx.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}
