package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Tokens issues and checks bearer tokens of the form
// base64url(user) "." base64url(HMAC-SHA256(secret, user)).
type Tokens struct {
	secret   []byte
	password string
}

func NewTokens(secret, password string) *Tokens {
	return &Tokens{secret: []byte(secret), password: password}
}

// Issue returns a token for user. When a password is configured it must match.
func (t *Tokens) Issue(user, password string) (string, error) {
	if user == "" {
		return "", errors.New("missing username")
	}
	if t.password != "" && subtle.ConstantTimeCompare([]byte(password), []byte(t.password)) != 1 {
		return "", ErrUnauthorized
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(user)) + "." + enc.EncodeToString(t.sign(user)), nil
}

// Verify returns the user a token was issued to.
func (t *Tokens) Verify(token string) (string, error) {
	userPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrUnauthorized
	}
	enc := base64.RawURLEncoding
	user, err := enc.DecodeString(userPart)
	if err != nil || len(user) == 0 {
		return "", ErrUnauthorized
	}
	sig, err := enc.DecodeString(sigPart)
	if err != nil || !hmac.Equal(sig, t.sign(string(user))) {
		return "", ErrUnauthorized
	}
	return string(user), nil
}

func (t *Tokens) sign(user string) []byte {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(user))
	return mac.Sum(nil)
}

type userKey struct{}

// UserFrom returns the authenticated user stored by authMiddleware.
func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

// authMiddleware rejects requests without a valid "Authorization: Bearer" token.
func authMiddleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
				return
			}
			user, err := tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
		})
	}
}
