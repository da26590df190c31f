package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/nutrition-ledger/nutrition"
	"github.com/warp/nutrition-ledger/nutrition/store"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

// echoUser writes the resolved user id.
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	w.Write([]byte(user))
})

func TestIdentity_Header(t *testing.T) {
	mw := NewIdentity(nil).Require(echoUser)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "  alice ")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())

	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentity_BearerToken(t *testing.T) {
	mw := NewIdentity(testSecret).Require(echoUser)
	valid := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name   string
		authz  string
		header string
		want   int
		body   string
	}{
		{"valid token", "Bearer " + valid, "", http.StatusOK, "alice"},
		{"token wins over header", "Bearer " + valid, "mallory", http.StatusOK, "alice"},
		{"header alone is not trusted", "", "mallory", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "alice"}), "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}), "", http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"name": "alice"}), "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic YWxpY2U6cHc=", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			if tt.header != "" {
				req.Header.Set(UserHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRouter_WithJWTSecret(t *testing.T) {
	// GIVEN: A router configured with a signing secret
	mem := store.NewMemory()
	router := NewRouter(NewHandler(nutrition.NewService(mem), nil), RouterConfig{JWTSecret: string(testSecret)})
	token := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "alice"})

	// WHEN: A day is requested with the token
	req := httptest.NewRequest(http.MethodGet, "/api/days/2024-03-01", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// THEN: The record is created for the token's subject
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	key := nutrition.DayKey{UserID: "alice", Date: nutrition.MustParseDate("2024-03-01")}
	stored, err := mem.GetRecord(context.Background(), key)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svc := nutrition.NewService(store.NewMemory())
	router := NewRouter(NewHandler(svc, nil), RouterConfig{Logger: zap.New(core)})

	req := httptest.NewRequest(http.MethodGet, "/api/days/2024-03-01", nil)
	req.Header.Set(UserHeader, "alice")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/api/days/2024-03-01", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}
