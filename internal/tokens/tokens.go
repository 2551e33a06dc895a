package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSigningKeyLen = 32

var (
	ErrConfig       = errors.New("token issuer misconfigured")
	ErrTokenExpired = errors.New("access token expired")
	ErrTokenInvalid = errors.New("access token invalid")
)

type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
}

func (c Config) Validate() error {
	switch {
	case len(c.SigningKey) == 0:
		return fmt.Errorf("%w: signing key is empty", ErrConfig)
	case len(c.SigningKey) < minSigningKeyLen:
		return fmt.Errorf("%w: signing key must be at least %d bytes", ErrConfig, minSigningKeyLen)
	case c.Issuer == "":
		return fmt.Errorf("%w: issuer is empty", ErrConfig)
	case c.Audience == "":
		return fmt.Errorf("%w: audience is empty", ErrConfig)
	case c.AccessTTL <= 0:
		return fmt.Errorf("%w: access token duration must be positive", ErrConfig)
	}
	return nil
}

type AccessClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Subject is the identity an access token is minted for.
type Subject struct {
	ID    string
	Name  string
	Email string
	Role  string
}

type Issuer struct {
	cfg Config
	now func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// WithClock replaces the time source, used by tests that need expired tokens.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) AccessTTL() time.Duration { return i.cfg.AccessTTL }

func (i *Issuer) IssueAccessToken(s Subject) (string, time.Time, error) {
	if s.ID == "" {
		return "", time.Time{}, errors.New("access token subject is empty")
	}

	now := i.now().UTC()
	exp := now.Add(i.cfg.AccessTTL)
	claims := AccessClaims{
		Name:  s.Name,
		Email: s.Email,
		Role:  s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   s.ID,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        NewJTI(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// NewRefreshToken returns an opaque 256-bit random token.
func (i *Issuer) NewRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (i *Issuer) Parse(tokenStr string) (*AccessClaims, error) {
	var claims AccessClaims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected sign method %v", t.Header["alg"])
		}
		return i.cfg.SigningKey, nil
	},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !tkn.Valid {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

func NewJTI() string { return uuid.NewString() }
