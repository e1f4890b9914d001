package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
)

// MinSecretLength is the minimum accepted HMAC secret length.
const MinSecretLength = 32

// DefaultRefreshAudience is the audience stamped on refresh tokens so they
// can never be used as access tokens.
const DefaultRefreshAudience = "oralvis-refresh"

type Claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role,omitempty"`
	PatientID string `json:"patientId,omitempty"`
}

// Actor converts verified claims into the request principal.
func (c *Claims) Actor() Actor {
	a := Actor{
		UserID:    c.Subject,
		Email:     c.Email,
		Name:      c.Name,
		Role:      c.Role,
		PatientID: c.PatientID,
		TokenID:   c.ID,
	}
	if c.ExpiresAt != nil {
		a.ExpiresAt = c.ExpiresAt.Time
	}
	return a
}

type TokenConfig struct {
	Secret          []byte
	Issuer          string
	Audience        string
	RefreshAudience string
	TTL             time.Duration
	RefreshTTL      time.Duration
}

// TokenManager issues and verifies HS256 access and refresh tokens.
type TokenManager struct {
	cfg TokenConfig
	now func() time.Time
}

func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.RefreshAudience == "" {
		cfg.RefreshAudience = DefaultRefreshAudience
	}
	return &TokenManager{cfg: cfg, now: time.Now}, nil
}

// TTL returns the access token lifetime.
func (m *TokenManager) TTL() time.Duration { return m.cfg.TTL }

// Issue signs an access token for the actor. The returned claims carry the
// generated token id and expiry.
func (m *TokenManager) Issue(a Actor) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   a.UserID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
		Email:     a.Email,
		Name:      a.Name,
		Role:      a.Role,
		PatientID: a.PatientID,
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// IssueRefresh signs a long-lived refresh token that only identifies the user.
func (m *TokenManager) IssueRefresh(userID string) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.cfg.RefreshTTL)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.RefreshAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies an access token and returns its claims.
func (m *TokenManager) Parse(tokenStr string) (*Claims, error) {
	claims, err := m.parse(tokenStr, m.cfg.Audience)
	if err != nil {
		return nil, err
	}
	if !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and returns its claims.
func (m *TokenManager) ParseRefresh(tokenStr string) (*Claims, error) {
	return m.parse(tokenStr, m.cfg.RefreshAudience)
}

func (m *TokenManager) parse(tokenStr, audience string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return m.cfg.Secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
