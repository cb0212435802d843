package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/isqad/livelook-meet/internal/core"
)

type ctxKey string

const (
	// PeerContextKey is used for extract the peer from request context
	PeerContextKey ctxKey = "current_peer"

	tokenParam = "token"
)

// AuthFailFunc is function that is called when authentication failed
type AuthFailFunc func(w http.ResponseWriter, r *http.Request, err error)

type TokenAuth struct {
	AuthFailFunc AuthFailFunc
	resolver     Resolver
}

func NewTokenAuth(resolver Resolver) *TokenAuth {
	return &TokenAuth{resolver: resolver}
}

// Middleware resolves the ?token= query parameter before passing the
// request on, so the peer is known before the connection is upgraded.
func (m *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, err := m.resolver.Resolve(r.Context(), r.URL.Query().Get(tokenParam))
		if err != nil {
			m.authFailed(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), PeerContextKey, peer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *TokenAuth) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	if m.AuthFailFunc != nil {
		m.AuthFailFunc(w, r, err)
	} else {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

// PeerFromRequest extracts the authenticated peer from request context
func PeerFromRequest(r *http.Request) (*core.Peer, error) {
	peer, ok := r.Context().Value(PeerContextKey).(*core.Peer)
	if !ok {
		return nil, errors.New("can't get peer from request context")
	}

	return peer, nil
}

// CloseReason maps a resolver error to the text sent with the policy close
func CloseReason(err error) string {
	if errors.Is(err, ErrTokenRequired) {
		return ErrTokenRequired.Error()
	}
	return ErrInvalidToken.Error()
}
