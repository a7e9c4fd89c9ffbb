// Package auth decides whether a connection may join a document.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrNoToken = errors.New("missing token")

// Claims identifies a user and optionally restricts the documents they may open
type Claims struct {
	Uid       string   `json:"uid"`
	Documents []string `json:"docs,omitempty"` // path prefixes; empty allows every document
	jwt.RegisteredClaims
}

// Authorizer checks HS256 tokens signed with a shared secret
type Authorizer struct {
	secret []byte
}

// New returns an authorizer, or nil when secret is empty, which allows every connection
func New(secret string) *Authorizer {
	if secret == "" {
		return nil
	}
	return &Authorizer{secret: []byte(secret)}
}

// Sign issues a token valid for ttl
func (a *Authorizer) Sign(claims Claims, ttl time.Duration) (string, error) {
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authorizer) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// tokenFrom reads the token from the token query parameter or a Bearer header.
// Browsers cannot set headers on a websocket handshake, hence the query.
func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Authorize returns the user id allowed to open docID with request r.
// A nil Authorizer lets everyone in anonymously.
func (a *Authorizer) Authorize(r *http.Request, docID string) (string, error) {
	if a == nil {
		return "", nil
	}
	token := tokenFrom(r)
	if token == "" {
		return "", ErrNoToken
	}
	claims, err := a.parse(token)
	if err != nil {
		return "", err
	}
	if len(claims.Documents) == 0 {
		return claims.Uid, nil
	}
	for _, prefix := range claims.Documents {
		if strings.HasPrefix(docID, prefix) {
			return claims.Uid, nil
		}
	}
	return "", fmt.Errorf("%s may not open %s", claims.Uid, docID)
}
