package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMissingToken means no credential was supplied at all
	ErrMissingToken = errors.New("missing_token")
	// ErrInvalidToken means the credential failed signature or claim checks
	ErrInvalidToken = errors.New("invalid_token")
)

// Claims is the identity a verified credential yields. GroupID is the
// group at token-mint time; it is not live-refreshed until reconnect.
type Claims struct {
	UserID   uuid.UUID
	Username string
	IsAdmin  bool
	GroupID  *uuid.UUID
}

// TokenVerifier validates a bearer credential. The HTTP auth endpoints
// that mint tokens live outside this engine; this is the consuming side.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier verifies HS256 bearer tokens
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given signing secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

type tokenClaims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	GroupID  string `json:"group_id,omitempty"`
	jwt.RegisteredClaims
}

// Verify checks the token signature and expiry and extracts the identity
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(tc.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims := &Claims{
		UserID:   userID,
		Username: tc.Username,
		IsAdmin:  tc.IsAdmin,
	}
	if tc.GroupID != "" {
		groupID, err := uuid.Parse(tc.GroupID)
		if err != nil {
			return nil, ErrInvalidToken
		}
		claims.GroupID = &groupID
	}
	return claims, nil
}
