// Package auth resolves the caller of an API request, either from a signed
// session token or from headers set by a trusted gateway.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type Provider interface {
	Identify(r *http.Request) (Identity, error)
}

const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

// HeaderProvider reads the identity an authenticating gateway attached to
// the request.
type HeaderProvider struct{}

func (HeaderProvider) Identify(r *http.Request) (Identity, error) {
	id := Identity{
		ID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Email: strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
		Name:  strings.TrimSpace(r.Header.Get(HeaderUserName)),
	}
	if id.ID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
