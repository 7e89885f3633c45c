package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	identityIdClaim = "user-id"
	expClaim        = "exp"

	tokenCookieKey = "token"
	tokenQueryKey  = "token"

	defaultJwtExpiration = 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

type contextKey string

const identityIdKey contextKey = "identity-id"

func WithIdentityId(ctx context.Context, identityId string) context.Context {
	return context.WithValue(ctx, identityIdKey, identityId)
}

func IdentityId(ctx context.Context) (string, bool) {
	identityId, ok := ctx.Value(identityIdKey).(string)
	return identityId, ok && identityId != ""
}

// Authenticator turns HS256 tokens signed with the shared key into identity
// ids.
type Authenticator struct {
	signingKey []byte
}

func NewAuthenticator(signingKey []byte) *Authenticator {
	return &Authenticator{signingKey: signingKey}
}

func (a *Authenticator) Authenticate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	switch id := claims[identityIdClaim].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	}

	return "", fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
}

func (a *Authenticator) IssueToken(identityId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		identityIdClaim: identityId,
		expClaim:        time.Now().Add(exp).Unix(),
	})

	return token.SignedString(a.signingKey)
}

// tokenFromRequest looks for a bearer token, then the token cookie, then the
// token query parameter used by browser websocket clients.
func tokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") && token != "" {
			return token, true
		}
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, true
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token, true
	}

	return "", false
}
