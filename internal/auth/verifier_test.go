package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   "auth0|user-1",
		Issuer:    "https://tenant.example.com/",
		Audience:  jwt.ClaimStrings{"https://api.context-ta"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func hsVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Options{Domain: "tenant.example.com", Audience: "https://api.context-ta", SigningKey: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestVerifier_HS256(t *testing.T) {
	v := hsVerifier(t)
	ctx := context.Background()

	sub, err := v.Verify(ctx, sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "auth0|user-1" {
		t.Errorf("subject = %q", sub)
	}

	tests := []struct {
		name   string
		mutate func(c *jwt.RegisteredClaims)
		key    []byte
	}{
		{"wrong issuer", func(c *jwt.RegisteredClaims) { c.Issuer = "https://evil.example.com/" }, nil},
		{"wrong audience", func(c *jwt.RegisteredClaims) { c.Audience = jwt.ClaimStrings{"other"} }, nil},
		{"expired", func(c *jwt.RegisteredClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }, nil},
		{"no expiry", func(c *jwt.RegisteredClaims) { c.ExpiresAt = nil }, nil},
		{"no subject", func(c *jwt.RegisteredClaims) { c.Subject = "" }, nil},
		{"wrong key", func(c *jwt.RegisteredClaims) {}, []byte("another-secret-another-secret-xx")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims()
			tt.mutate(&c)
			key := tt.key
			if key == nil {
				key = []byte(testSecret)
			}
			_, err := v.Verify(ctx, sign(t, jwt.SigningMethodHS256, key, c))
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerifier_MissingAndGarbage(t *testing.T) {
	v := hsVerifier(t)
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
	if _, err := v.Verify(context.Background(), "not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifier_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "public.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}

	v, err := NewVerifierFromFile(Options{Domain: "https://tenant.example.com", Audience: "https://api.context-ta"}, path)
	if err != nil {
		t.Fatalf("NewVerifierFromFile: %v", err)
	}
	sub, err := v.Verify(context.Background(), sign(t, jwt.SigningMethodRS256, key, validClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "auth0|user-1" {
		t.Errorf("subject = %q", sub)
	}

	// an HS256 token must not pass an RS256 verifier
	hs := sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims())
	if _, err := v.Verify(context.Background(), hs); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for HS256 token, got %v", err)
	}
}

func TestNewVerifier_RequiresKey(t *testing.T) {
	if _, err := NewVerifier(Options{Domain: "x"}); err == nil {
		t.Error("expected error without key")
	}
	if _, err := NewVerifier(Options{PublicKeyPEM: []byte("garbage")}); err == nil {
		t.Error("expected error for bad PEM")
	}
}

func TestIssuerFor(t *testing.T) {
	tests := map[string]string{
		"":                            "",
		"tenant.example.com":          "https://tenant.example.com/",
		"https://tenant.example.com/": "https://tenant.example.com/",
		"http://tenant.example.com":   "https://tenant.example.com/",
	}
	for in, want := range tests {
		if got := IssuerFor(in); got != want {
			t.Errorf("IssuerFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":  "abc",
		"bearer abc ": "abc",
		"Basic abc":   "",
		"":            "",
		"Bearer":      "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubjectContext(t *testing.T) {
	if _, ok := SubjectFromContext(context.Background()); ok {
		t.Error("expected no subject")
	}
	ctx := WithSubject(context.Background(), "auth0|x")
	if s, ok := SubjectFromContext(ctx); !ok || s != "auth0|x" {
		t.Errorf("got %q %v", s, ok)
	}
}
