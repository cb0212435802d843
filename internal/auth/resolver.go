// Package auth resolves the credential presented on the WebSocket handshake
// into a peer identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v4"

	"github.com/isqad/livelook-meet/internal/core"
)

var (
	ErrTokenRequired = errors.New("Authentication Token Required")
	ErrInvalidToken  = errors.New("Invalid token")
)

// Resolver turns a token into a peer. It returns ErrTokenRequired or
// ErrInvalidToken (possibly wrapped) for credentials that must be rejected.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*core.Peer, error)
}

type JWTResolver struct {
	secret []byte
	peers  core.PeerStorer
}

// NewJWTResolver verifies HS256 tokens. With a nil peers storer the
// identity is taken from the token's firstName/lastName claims.
func NewJWTResolver(secret string, peers core.PeerStorer) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), peers: peers}
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (*core.Peer, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := claimString(claims, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: claim id is missing", ErrInvalidToken)
	}

	if r.peers == nil {
		return &core.Peer{
			ID:        core.PeerID(id),
			FirstName: claimString(claims, "firstName"),
			LastName:  claimString(claims, "lastName"),
		}, nil
	}

	peer, err := r.peers.FindByID(ctx, id)
	if errors.Is(err, core.ErrPeerNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err != nil {
		return nil, err
	}

	return peer, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
