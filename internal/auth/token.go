package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthInvalid reports a missing, malformed, expired or forged token.
var ErrAuthInvalid = errors.New("invalid token")

// TokenValidator resolves a bearer token to a participant id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int, error)
}

// Claims carries the participant identity issued by the auth collaborator.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator verifies HMAC-signed tokens with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator constructs a JWTValidator.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (v *JWTValidator) ValidateToken(_ context.Context, token string) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrAuthInvalid
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}
	if !parsed.Valid {
		return 0, ErrAuthInvalid
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		if id, err := strconv.Atoi(claims.Subject); err == nil {
			userID = id
		}
	}
	if userID <= 0 {
		return 0, fmt.Errorf("%w: missing user id", ErrAuthInvalid)
	}
	return userID, nil
}

// IssueToken signs a token for the given participant. The production issuer is
// the external auth service; this mirrors its claim layout for tools and tests.
func IssueToken(secret string, userID int, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
