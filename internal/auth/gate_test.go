package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/token"
)

type stubTokens map[string]error

func (s stubTokens) Verify(raw string) (string, error) {
	if err, ok := s[raw]; ok {
		return "", err
	}
	return raw, nil
}

type stubAccounts map[string]*entity.Account

func (s stubAccounts) FindByID(_ context.Context, id string, _ bool) (*entity.Account, error) {
	if id == "boom" {
		return nil, errors.New("connection reset")
	}
	a, ok := s[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return a, nil
}

func testGate() *Gate {
	tokens := stubTokens{"bad": token.ErrInvalidToken, "old": token.ErrExpiredToken}
	accounts := stubAccounts{
		"u1": {ID: "u1", Role: entity.RoleUser, Status: entity.StatusActive},
		"u2": {ID: "u2", Role: entity.RoleUser, Status: entity.StatusSuspended},
		"a1": {ID: "a1", Role: entity.RoleAdmin, Status: entity.StatusActive},
	}
	return NewGate(tokens, accounts, nil, zap.NewNop().Sugar())
}

func echoID() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := AccountFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(a.ID))
	})
}

func call(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/users/profile", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func messageOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct{ Message string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Message
}

func TestAuthenticate_StateMachine(t *testing.T) {
	h := testGate().Authenticate(echoID())
	cases := []struct {
		name, authz string
		status      int
		msg         string
	}{
		{"no header", "", http.StatusUnauthorized, "no token"},
		{"wrong scheme", "Basic dTE6cHc=", http.StatusUnauthorized, "no token"},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, "no token"},
		{"invalid", "Bearer bad", http.StatusUnauthorized, "invalid token"},
		{"expired", "Bearer old", http.StatusUnauthorized, "token expired"},
		{"missing account", "Bearer ghost", http.StatusUnauthorized, "user not found"},
		{"suspended", "Bearer u2", http.StatusForbidden, "Account is suspended. Please contact support."},
		{"store failure", "Bearer boom", http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(h, tc.authz)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.msg, messageOf(t, rec))
		})
	}
}

func TestAuthenticate_AttachesAccount(t *testing.T) {
	rec := call(testGate().Authenticate(echoID()), "bearer u1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
}

func TestRequireRole(t *testing.T) {
	g := testGate()
	h := g.Authenticate(RequireRole(entity.RoleAdmin)(echoID()))

	assert.Equal(t, http.StatusForbidden, call(h, "Bearer u1").Code)
	assert.Equal(t, http.StatusOK, call(h, "Bearer a1").Code)

	unauth := RequireRole(entity.RoleAdmin)(echoID())
	assert.Equal(t, http.StatusUnauthorized, call(unauth, "").Code)
}

func TestSelfOrRole_SelfFirst(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /users/{id}", SelfOrRole("id", entity.RoleAdmin)(echoID()))
	h := testGate().Authenticate(mux)

	get := func(path, authz string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", authz)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/users/u1", "Bearer u1"))
	assert.Equal(t, http.StatusForbidden, get("/users/a1", "Bearer u1"))
	assert.Equal(t, http.StatusOK, get("/users/u1", "Bearer a1"))
	assert.Equal(t, http.StatusOK, get("/users/a1", "Bearer a1"))
}

func TestCanAccess(t *testing.T) {
	user := &entity.Account{ID: "u1", Role: entity.RoleUser}
	assert.True(t, CanAccess(user, "u1"))
	assert.False(t, CanAccess(user, "u9", entity.RoleAdmin))
	assert.True(t, CanAccess(&entity.Account{ID: "a1", Role: entity.RoleAdmin}, "u9", entity.RoleAdmin))
}
