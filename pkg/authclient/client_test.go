package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	uid := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "Secret#123" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(Tokens{UserID: uid, AccessToken: "a1", RefreshToken: "r1", Role: "user"})
	})
	mux.HandleFunc("POST /api/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Tokens{UserID: uid, AccessToken: "a2", RefreshToken: "r2", Role: "user"})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "logged out"})
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Identity{UserID: uid.String(), Email: "alice@example.com", Role: "user"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Flow(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	pair, err := c.Login(ctx, "alice@example.com", "Secret#123")
	require.NoError(t, err)
	assert.Equal(t, "r1", pair.RefreshToken)

	next, err := c.RefreshTokens(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "a2", next.AccessToken)
	assert.Equal(t, pair.UserID, next.UserID)

	me, err := c.Me(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", me.Email)

	require.NoError(t, c.Logout(ctx, next.AccessToken))
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	_, err := c.Login(ctx, "alice@example.com", "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "invalid credentials", se.Message)

	_, err = c.RefreshTokens(ctx, "stale")
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = c.Logout(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Me(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}
