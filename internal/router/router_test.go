package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-ebook-go/pkg/utilities"
)

// sliceStore is a small in-memory account store with live-row uniqueness.
type sliceStore struct {
	mu   sync.Mutex
	rows []*entity.Account
}

func (s *sliceStore) live(a *entity.Account, key entity.IdentityKey) bool {
	k := a.IdentityKey()
	return k.Kind == key.Kind && k.Value == key.Value
}

func (s *sliceStore) Create(_ context.Context, a *entity.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.DeletedAt == nil && s.live(r, a.IdentityKey()) {
			return repo.ErrDuplicate
		}
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	c := *a
	s.rows = append(s.rows, &c)
	return nil
}

func (s *sliceStore) FindByID(_ context.Context, id string, includeDeleted bool) (*entity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id && (includeDeleted || r.DeletedAt == nil) {
			c := *r
			return &c, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *sliceStore) FindByIdentityKey(_ context.Context, key entity.IdentityKey, includeDeleted bool) (*entity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.rows) - 1; i >= 0; i-- {
		r := s.rows[i]
		if s.live(r, key) && (includeDeleted || r.DeletedAt == nil) {
			c := *r
			return &c, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *sliceStore) List(_ context.Context, f entity.Filter) (*entity.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := &entity.Page{}
	for i := len(s.rows) - 1; i >= 0; i-- {
		r := s.rows[i]
		if r.DeletedAt != nil || (f.Role != "" && r.Role != f.Role) {
			continue
		}
		page.Total++
		if page.Total > f.Offset() && len(page.Accounts) < f.Limit {
			c := *r
			page.Accounts = append(page.Accounts, &c)
		}
	}
	return page, nil
}

func (s *sliceStore) Update(_ context.Context, a *entity.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.ID == a.ID && r.DeletedAt == nil {
			c := *a
			s.rows[i] = &c
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *sliceStore) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id && r.DeletedAt == nil {
			now := time.Now()
			r.DeletedAt = &now
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *sliceStore) HardDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return repo.ErrNotFound
}

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := &sliceStore{}
	m := metrics.New()
	tokens, err := token.NewService(token.Config{Secret: strings.Repeat("k", 32), TTL: time.Hour, Issuer: "test"})
	require.NoError(t, err)
	svc, err := account.NewService(store, tokens, nil, account.DefaultPolicy(), utilities.NewIDGenerator(7), m, logger)
	require.NoError(t, err)

	h := RegisterRoutes(Deps{
		Config:   cfg,
		Accounts: account.NewHandler(svc, logger, false),
		Gate:     auth.NewGate(tokens, store, m, logger),
		Metrics:  m,
		Logger:   logger,
	})
	return &testServer{t: t, handler: h}
}

func defaultConfig() Config {
	return Config{Prefix: "/api", AuthRatePerSec: 1000, AuthRateBurst: 1000}
}

func (s *testServer) do(method, path, tok string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type authResp struct {
	Token string         `json:"token"`
	User  entity.Profile `json:"user"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) register(body map[string]string) authResp {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/auth/register", "", body)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[authResp](s.t, rec)
}

var (
	ashaBody  = map[string]string{"institutionalId": "311523205015", "displayName": "Asha", "dateOfBirth": "2004-05-12"}
	raviBody  = map[string]string{"institutionalId": "311523205016", "displayName": "Ravi", "dateOfBirth": "2004-01-01"}
	adminBody = map[string]string{"email": "dean@msec.edu.in", "dateOfBirth": "1980-02-03"}
)

func TestRegisterAndConflict(t *testing.T) {
	s := newTestServer(t, defaultConfig())
	res := s.register(ashaBody)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, entity.RoleUser, res.User.Role)

	rec := s.do(http.MethodPost, "/api/auth/register", "", ashaBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	admin := s.register(adminBody)
	assert.Equal(t, entity.RoleAdmin, admin.User.Role)
}

func TestRegisterValidationErrors(t *testing.T) {
	s := newTestServer(t, defaultConfig())
	rec := s.do(http.MethodPost, "/api/auth/register", "", map[string]string{"institutionalId": "123", "displayName": "A"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody[struct {
		Message string               `json:"message"`
		Errors  []account.FieldError `json:"errors"`
	}](t, rec)
	assert.Equal(t, "Validation error", body.Message)
	require.Len(t, body.Errors, 3)
	assert.Equal(t, "institutionalId", body.Errors[0].Field)

	bad := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, bad)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginFailuresLookTheSame(t *testing.T) {
	s := newTestServer(t, defaultConfig())
	s.register(ashaBody)

	wrong := s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"institutionalId": "311523205015", "dateOfBirth": "2004-05-13"})
	unknown := s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"institutionalId": "311523205099", "dateOfBirth": "2004-05-12"})
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.JSONEq(t, `{"message":"Invalid credentials"}`, wrong.Body.String())
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())

	ok := s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"institutionalId": "311523205015", "dateOfBirth": "2004-05-12"})
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestProfileRequiresToken(t *testing.T) {
	s := newTestServer(t, defaultConfig())
	rec := s.do(http.MethodGet, "/api/users/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"no token"}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/users/profile", "garbage", nil)
	assert.JSONEq(t, `{"message":"invalid token"}`, rec.Body.String())

	asha := s.register(ashaBody)
	rec = s.do(http.MethodGet, "/api/users/profile", asha.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[struct{ User entity.Profile }](t, rec)
	assert.Equal(t, asha.User.ID, got.User.ID)
	assert.Equal(t, "311523205015", *got.User.InstitutionalID)
}

func TestSelfOrAdminAccess(t *testing.T) {
	s := newTestServer(t, defaultConfig())
	asha := s.register(ashaBody)
	ravi := s.register(raviBody)
	admin := s.register(adminBody)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users/"+asha.User.ID, asha.Token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/users/"+ravi.User.ID, asha.Token, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users/"+ravi.User.ID, admin.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/users/nope", admin.Token, nil).Code)

	rec := s.do(http.MethodPut, "/api/users/"+asha.User.ID, asha.Token, map[string]string{"displayName": "Asha K"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPut, "/api/users/"+ravi.User.ID, asha.Token, map[string]string{"displayName": "Nope"}).Code)

	rec = s.do(http.MethodPut, "/api/users/profile", asha.Token, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminListAndDeletes(t *testing.T) {
	s := newTestServer(t, defaultConfig())
	asha := s.register(ashaBody)
	s.register(raviBody)
	admin := s.register(adminBody)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/users", asha.Token, nil).Code)

	rec := s.do(http.MethodGet, "/api/users?role=user&limit=1&page=2", admin.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[account.ListResult](t, rec)
	assert.Equal(t, account.Pagination{Total: 2, Page: 2, Limit: 1, TotalPages: 2}, list.Pagination)
	require.Len(t, list.Users, 1)
	assert.Equal(t, asha.User.ID, list.Users[0].ID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/users?page=zero", admin.Token, nil).Code)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, "/api/users/"+admin.User.ID, admin.Token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, "/api/users/"+admin.User.ID, asha.Token, nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodDelete, "/api/users/"+asha.User.ID+"/permanent", admin.Token, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/users/"+asha.User.ID, admin.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/users/"+asha.User.ID, admin.Token, nil).Code)

	rec = s.do(http.MethodGet, "/api/users/profile", asha.Token, nil)
	assert.JSONEq(t, `{"message":"user not found"}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/users/"+asha.User.ID+"/permanent", admin.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/users/"+asha.User.ID+"/permanent", admin.Token, nil).Code)
}

func TestSelfDelete(t *testing.T) {
	s := newTestServer(t, defaultConfig())
	asha := s.register(ashaBody)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/users/profile", asha.Token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/users/profile", asha.Token, nil).Code)
	s.register(ashaBody)
}

func TestAuthRateLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.AuthRatePerSec = 0.001
	cfg.AuthRateBurst = 2
	s := newTestServer(t, cfg)

	login := map[string]string{"institutionalId": "311523205015", "dateOfBirth": "2004-05-12"}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/api/auth/login", "", login).Code)
	}
	rec := s.do(http.MethodPost, "/api/auth/login", "", login)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealthMetricsAndHeaders(t *testing.T) {
	s := newTestServer(t, defaultConfig())

	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	s.register(ashaBody)
	rec = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ebook_account_events_total{event="register",outcome="ok"} 1`)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf(`route="POST /api/auth/register",status="%d"`, http.StatusCreated))
}

func TestRequestIDIsKeptWhenValid(t *testing.T) {
	h := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(RequestIDFrom(r.Context())))
	}))
	id := "0b6f4c1e-3a43-4f65-9f5e-2a5d3c8b1e7a"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", id)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "<script>")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "<script>", rec.Body.String())
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestRateLimiterForwardedFor(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	hit := func(h http.Handler, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "10.0.0.2:51234"
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// peer address only: every client behind the proxy shares a bucket
	shared := NewRateLimiter(0.001, 1).Middleware(ok)
	assert.Equal(t, http.StatusNoContent, hit(shared, "203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, hit(shared, "203.0.113.8"))

	trusted := NewRateLimiter(0.001, 1).TrustForwardedFor(true).Middleware(ok)
	assert.Equal(t, http.StatusNoContent, hit(trusted, "203.0.113.7"))
	assert.Equal(t, http.StatusNoContent, hit(trusted, "203.0.113.8"))
	assert.Equal(t, http.StatusTooManyRequests, hit(trusted, "203.0.113.7"))
	// a forged left-most entry does not buy a fresh bucket
	assert.Equal(t, http.StatusTooManyRequests, hit(trusted, "198.51.100.1, 203.0.113.8"))
	// no header falls back to the peer address
	assert.Equal(t, http.StatusNoContent, hit(trusted, ""))
	assert.Equal(t, http.StatusTooManyRequests, hit(trusted, ""))
}

func TestLastForwarded(t *testing.T) {
	assert.Equal(t, "", lastForwarded(nil))
	assert.Equal(t, "203.0.113.7", lastForwarded([]string{"203.0.113.7"}))
	assert.Equal(t, "10.1.1.1", lastForwarded([]string{"198.51.100.1, 10.1.1.1 "}))
	assert.Equal(t, "10.2.2.2", lastForwarded([]string{"198.51.100.1", "10.2.2.2, "}))
}

func TestConfigFromEnv_TrustForwardedFor(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.TrustForwardedFor)

	t.Setenv("AUTH_TRUST_FORWARDED_FOR", "true")
	t.Setenv("API_PREFIX", "/v1/")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.TrustForwardedFor)
	assert.Equal(t, "/v1", cfg.Prefix)
}
