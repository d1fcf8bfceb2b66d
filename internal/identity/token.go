package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"imperious/messaging-service/internal/models"
)

// TokenVerifier turns an HS256 bearer token into the caller's user record.
// The token subject is the caller's email.
type TokenVerifier struct {
	secret    []byte
	directory Directory
}

func NewTokenVerifier(secret string, directory Directory) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), directory: directory}
}

// Issue signs a token for email. The account service normally does this; the
// messaging service only needs it for local tooling and tests.
func (v *TokenVerifier) Issue(email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": email,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (v *TokenVerifier) Verify(ctx context.Context, raw string) (*models.User, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: verifier has no secret configured", ErrInvalidToken)
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	email, _ := claims["sub"].(string)
	if email == "" {
		email, _ = claims["email"].(string)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: subject claim missing", ErrInvalidToken)
	}

	user, err := v.directory.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("%w: unknown subject", ErrInvalidToken)
		}
		return nil, err
	}
	return user, nil
}

// BearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter that browsers use for WebSocket handshakes.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
