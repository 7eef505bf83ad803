package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const TokenCookie = "token"

var ErrInvalidToken = fmt.Errorf("%w: invalid or expired token", ErrUnauthenticated)

// Claims is the token payload issued at login.
type Claims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 tokens taken from the token cookie or an
// Authorization: Bearer header.
type JWTProvider struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTProvider(secret string, opts ...jwt.ParserOption) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}, opts...)
	return &JWTProvider{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

func (p *JWTProvider) Identify(r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	var claims Claims
	_, err := p.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{ID: id, Email: claims.Email, Name: claims.Name}, nil
}

func bearerToken(r *http.Request) string {
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
