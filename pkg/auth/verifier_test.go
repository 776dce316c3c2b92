package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/observability"
)

func newTestVerifier(endpoint, secret string) *Verifier {
	return NewVerifier(Config{
		VerifyEndpoint: endpoint,
		JWTSecret:      secret,
		Timeout:        2 * time.Second,
		MaxRetries:     1,
	}, observability.NewNoopLogger())
}

func TestVerifyTokenEmpty(t *testing.T) {
	v := newTestVerifier("http://unused", "")

	for _, token := range []string{"", "   ", "Bearer ", "Bearer    "} {
		_, err := v.VerifyToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrAuthRequired, "token %q", token)
	}
}

func TestVerifyTokenRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "one-time-token", body["token"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Claims{
			UserID:   "user-1",
			UserName: "Alice",
			Email:    "alice@example.com",
		})
	}))
	defer server.Close()

	v := newTestVerifier(server.URL, "")
	claims, err := v.VerifyToken(context.Background(), "Bearer one-time-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "Alice", claims.UserName)
}

func TestVerifyTokenRejected(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	v := newTestVerifier(server.URL, "")
	_, err := v.VerifyToken(context.Background(), "burned-token")
	assert.ErrorIs(t, err, ErrInvalidSession)

	// a rejected one-time token must not be retried
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestVerifyTokenRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Claims{UserID: "user-1"})
	}))
	defer server.Close()

	v := newTestVerifier(server.URL, "")
	claims, err := v.VerifyToken(context.Background(), "flaky-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestVerifyTokenEmptyClaims(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Claims{})
	}))
	defer server.Close()

	v := newTestVerifier(server.URL, "")
	_, err := v.VerifyToken(context.Background(), "token")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestVerifyJWTLocally(t *testing.T) {
	secret := "test-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-7",
		"name":  "Bob",
		"email": "bob@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	// no endpoint configured: local verification must carry the request
	v := newTestVerifier("", secret)
	claims, err := v.VerifyToken(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.UserID)
	assert.Equal(t, "Bob", claims.UserName)
}

func TestVerifyJWTBadSignature(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-7"})
	signed, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	v := newTestVerifier("", "test-secret")
	_, err = v.VerifyToken(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestVerifyNoEndpointNoSecret(t *testing.T) {
	v := newTestVerifier("", "")
	_, err := v.VerifyToken(context.Background(), "opaque-token")
	assert.ErrorIs(t, err, ErrInvalidSession)
}
