// Package otp issues and verifies short numeric one-time codes used for
// email confirmation and password reset.
//
// A code lives in a Store keyed by (user, purpose). Issuing a new code for the
// same pair replaces the previous one, and a successful verification deletes
// it, so every code is usable once at most.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

type Purpose string

const (
	PurposeEmailConfirmation Purpose = "email_confirmation"
	PurposePasswordReset     Purpose = "password_reset"
)

func (p Purpose) Valid() bool {
	return p == PurposeEmailConfirmation || p == PurposePasswordReset
}

const (
	codeMin    = 100000
	codeSpan   = 900000
	CodeLength = 6

	DefaultTTL         = 15 * time.Minute
	DefaultMaxAttempts = 5
)

var (
	ErrNotFound       = errors.New("no live code")
	ErrMismatch       = errors.New("code mismatch")
	ErrExpired        = errors.New("code expired")
	ErrInvalidPurpose = errors.New("invalid code purpose")
)

type Record struct {
	UserID    uuid.UUID
	Purpose   Purpose
	CodeHash  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store persists one live code per (user, purpose).
//
// Consume must be atomic per pair: it deletes the record and returns nil only
// when the record exists, has not expired at now and carries codeHash. On a
// mismatch it counts the attempt and drops the record once maxAttempts is
// reached.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Consume(ctx context.Context, userID uuid.UUID, purpose Purpose, codeHash string, now time.Time, maxAttempts int) error
}

type Generator struct {
	Store       Store
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
}

func NewGenerator(store Store, ttl time.Duration, maxAttempts int) *Generator {
	return &Generator{Store: store, TTL: ttl, MaxAttempts: maxAttempts}
}

func (g *Generator) Issue(ctx context.Context, userID uuid.UUID, purpose Purpose) (string, error) {
	if !purpose.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}

	code, err := newCode()
	if err != nil {
		return "", err
	}

	now := g.now()
	rec := Record{
		UserID:    userID,
		Purpose:   purpose,
		CodeHash:  HashCode(code),
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl()),
	}
	if err := g.Store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

func (g *Generator) Verify(ctx context.Context, userID uuid.UUID, purpose Purpose, code string) error {
	if !purpose.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}
	return g.Store.Consume(ctx, userID, purpose, HashCode(code), g.now(), g.maxAttempts())
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Generator) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return DefaultTTL
}

func (g *Generator) maxAttempts() int {
	if g.MaxAttempts > 0 {
		return g.MaxAttempts
	}
	return DefaultMaxAttempts
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
