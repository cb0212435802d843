package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/core"
)

const secret = "s3cret"

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func TestResolveFromClaims(t *testing.T) {
	r := NewJWTResolver(secret, nil)
	ctx := context.Background()

	peer, err := r.Resolve(ctx, sign(t, secret, jwt.MapClaims{"id": "u1", "firstName": "Ada", "lastName": "Lovelace"}))
	require.NoError(t, err)
	assert.Equal(t, core.PeerID("u1"), peer.ID)
	assert.Equal(t, "Ada Lovelace", peer.DisplayName())

	peer, err = r.Resolve(ctx, sign(t, secret, jwt.MapClaims{"id": 42}))
	require.NoError(t, err)
	assert.Equal(t, core.PeerID("42"), peer.ID)
}

func TestResolveRejects(t *testing.T) {
	r := NewJWTResolver(secret, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrTokenRequired)

	cases := map[string]string{
		"garbage":       "not-a-jwt",
		"wrong secret":  sign(t, "other", jwt.MapClaims{"id": "u1"}),
		"missing id":    sign(t, secret, jwt.MapClaims{"firstName": "Ada"}),
		"expired token": sign(t, secret, jwt.MapClaims{"id": "u1", "exp": time.Now().Add(-time.Hour).Unix()}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"id": "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveFromDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDb := sqlx.NewDb(db, "sqlmock")
	defer sqlxDb.Close()

	r := NewJWTResolver(secret, core.NewPeerRepository(sqlxDb))
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, first_name, last_name FROM users").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "first_name", "last_name"}).AddRow("u1", "Grace", "Hopper"))

	peer, err := r.Resolve(ctx, sign(t, secret, jwt.MapClaims{"id": "u1", "firstName": "ignored"}))
	require.NoError(t, err)
	assert.Equal(t, "Grace", peer.FirstName)

	mock.ExpectQuery("SELECT id, first_name, last_name FROM users").
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "first_name", "last_name"}))

	_, err = r.Resolve(ctx, sign(t, secret, jwt.MapClaims{"id": "u2"}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	mock.ExpectQuery("SELECT id, first_name, last_name FROM users").
		WithArgs("u3").
		WillReturnError(errors.New("connection refused"))

	_, err = r.Resolve(ctx, sign(t, secret, jwt.MapClaims{"id": "u3"}))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidToken))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMiddleware(t *testing.T) {
	auth := NewTokenAuth(NewJWTResolver(secret, nil))

	r := chi.NewRouter()
	r.Use(auth.Middleware)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		peer, err := PeerFromRequest(r)
		require.NoError(t, err)
		w.Write([]byte(peer.ID))
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	t.Run("without token", func(t *testing.T) {
		resp, err := http.Get(ts.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("with valid token", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/?token=" + sign(t, secret, jwt.MapClaims{"id": "u1"}))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("with given AuthFailFunc", func(t *testing.T) {
		var reason string
		auth.AuthFailFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			reason = CloseReason(err)
			w.WriteHeader(http.StatusBadRequest)
		}
		defer func() { auth.AuthFailFunc = nil }()

		resp, err := http.Get(ts.URL + "/?token=bad")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Invalid token", reason)
	})
}
