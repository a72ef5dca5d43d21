package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/repository"
	"github.com/membergate/membergate/internal/service/auth"
	"github.com/membergate/membergate/internal/session"
	"github.com/membergate/membergate/internal/web"
)

const testHashCost = 4

type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[string]*domain.User)}
}

func (m *memoryUserRepo) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.Email]; exists {
		return repository.ErrDuplicateEmail
	}
	clone := *user
	m.users[user.Email] = &clone
	return nil
}

func (m *memoryUserRepo) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

type routerEnv struct {
	router *Router
	repo   *memoryUserRepo
	mr     *miniredis.Miniredis
}

func newRouterTest(t *testing.T, rateLimits bool) *routerEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sessions, err := session.NewStore(rdb, "router-test-secret", time.Hour)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	pages, err := web.NewPages()
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	assets, err := web.Static()
	if err != nil {
		t.Fatalf("static assets: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newMemoryUserRepo()
	authSvc := auth.New(repo, sessions, logger, testHashCost)

	router := NewRouter(logger, authSvc, pages, assets, nil, rateLimits, nil, nil)
	t.Cleanup(router.Close)
	return &routerEnv{router: router, repo: repo, mr: mr}
}

func postJSON(t *testing.T, router *Router, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, router *Router, path string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

func TestSignupThenGetUsername(t *testing.T) {
	env := newRouterTest(t, false)

	rec := postJSON(t, env.router, "/signup", `{"username":"al","email":"a@b.com","password":"secret1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status: %d body %s", rec.Code, rec.Body)
	}
	cookie := sessionCookie(t, rec)
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected session cookie on signup")
	}
	if !cookie.HttpOnly {
		t.Fatalf("session cookie must be http-only")
	}
	if cookie.MaxAge != int(time.Hour.Seconds()) {
		t.Fatalf("cookie max-age should match session ttl, got %d", cookie.MaxAge)
	}

	rec = get(t, env.router, "/getUsername", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("getUsername status: %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["username"] != "al" {
		t.Fatalf("unexpected username: %q", payload["username"])
	}
}

func TestSignupValidationFailure(t *testing.T) {
	env := newRouterTest(t, false)

	cases := []string{
		`{"email":"a@b.com","password":"secret1"}`,
		`{"username":"al","email":"nope","password":"secret1"}`,
		`{"username":"al","email":"a@b.com","password":"abc"}`,
		`not json`,
	}
	for _, body := range cases {
		rec := postJSON(t, env.router, "/signup", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		if sessionCookie(t, rec) != nil {
			t.Fatalf("body %q: no session may be issued on validation failure", body)
		}
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	env := newRouterTest(t, false)
	body := `{"username":"al","email":"a@b.com","password":"secret1"}`

	if rec := postJSON(t, env.router, "/signup", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first signup: %d", rec.Code)
	}
	rec := postJSON(t, env.router, "/signup", `{"username":"other","email":"a@b.com","password":"secret2"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("duplicate signup: expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already registered") {
		t.Fatalf("duplicate must be surfaced distinctly: %s", rec.Body)
	}

	// First record untouched: the original credentials still log in.
	rec = postJSON(t, env.router, "/login", `{"email":"a@b.com","password":"secret1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("login after duplicate attempt: %d body %s", rec.Code, rec.Body)
	}
}

func TestLoginFailuresShareShape(t *testing.T) {
	env := newRouterTest(t, false)
	if rec := postJSON(t, env.router, "/signup", `{"username":"al","email":"a@b.com","password":"secret1"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("signup: %d", rec.Code)
	}

	wrongPassword := postJSON(t, env.router, "/login", `{"email":"a@b.com","password":"wrong66"}`, nil)
	unknownEmail := postJSON(t, env.router, "/login", `{"email":"x@b.com","password":"secret1"}`, nil)

	if wrongPassword.Code != http.StatusInternalServerError || unknownEmail.Code != http.StatusInternalServerError {
		t.Fatalf("expected identical failure status, got %d and %d", wrongPassword.Code, unknownEmail.Code)
	}
	if wrongPassword.Body.String() != unknownEmail.Body.String() {
		t.Fatalf("failure bodies differ:\n%s\n%s", wrongPassword.Body, unknownEmail.Body)
	}
	if sessionCookie(t, wrongPassword) != nil || sessionCookie(t, unknownEmail) != nil {
		t.Fatalf("no session cookie may be set on failed login")
	}
}

func TestLoginValidationApplied(t *testing.T) {
	env := newRouterTest(t, false)

	rec := postJSON(t, env.router, "/login", `{"email":"not-an-email","password":"secret1"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed login body must fail validation, got %d", rec.Code)
	}
}

func TestProtectedRoutesRedirectAnonymous(t *testing.T) {
	env := newRouterTest(t, false)

	for _, path := range []string{"/getUsername", "/memberspage"} {
		rec := get(t, env.router, path, nil)
		if rec.Code != http.StatusFound {
			t.Fatalf("%s: expected redirect, got %d", path, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "/loginpage" {
			t.Fatalf("%s: unexpected redirect target %q", path, loc)
		}
	}

	stale := &http.Cookie{Name: SessionCookieName, Value: "never-issued"}
	rec := get(t, env.router, "/memberspage", stale)
	if rec.Code != http.StatusFound {
		t.Fatalf("malformed token must look anonymous, got %d", rec.Code)
	}
}

func TestMembersPageRendersUsername(t *testing.T) {
	env := newRouterTest(t, false)
	rec := postJSON(t, env.router, "/signup", `{"username":"al","email":"a@b.com","password":"secret1"}`, nil)
	cookie := sessionCookie(t, rec)

	page := get(t, env.router, "/memberspage", cookie)
	if page.Code != http.StatusOK {
		t.Fatalf("members page status: %d", page.Code)
	}
	if !strings.Contains(page.Body.String(), "al") {
		t.Fatalf("members page must substitute the username: %s", page.Body)
	}
}

func TestExpiredSessionIsAnonymous(t *testing.T) {
	env := newRouterTest(t, false)
	rec := postJSON(t, env.router, "/signup", `{"username":"al","email":"a@b.com","password":"secret1"}`, nil)
	cookie := sessionCookie(t, rec)

	env.mr.FastForward(2 * time.Hour)

	after := get(t, env.router, "/getUsername", cookie)
	if after.Code != http.StatusFound {
		t.Fatalf("expired session must redirect like a never-issued token, got %d", after.Code)
	}
}

func TestLogoutDestroysSessionAndIsIdempotent(t *testing.T) {
	env := newRouterTest(t, false)
	rec := postJSON(t, env.router, "/signup", `{"username":"al","email":"a@b.com","password":"secret1"}`, nil)
	cookie := sessionCookie(t, rec)

	out := postJSON(t, env.router, "/logout", "", cookie)
	if out.Code != http.StatusSeeOther {
		t.Fatalf("logout status: %d", out.Code)
	}
	if loc := out.Header().Get("Location"); loc != "/loginpage" {
		t.Fatalf("logout redirect target: %q", loc)
	}
	cleared := sessionCookie(t, out)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("logout must clear the session cookie")
	}

	if rec := get(t, env.router, "/getUsername", cookie); rec.Code != http.StatusFound {
		t.Fatalf("session must be dead after logout, got %d", rec.Code)
	}

	// Double logout with the stale cookie still redirects, never 500s.
	again := postJSON(t, env.router, "/logout", "", cookie)
	if again.Code != http.StatusSeeOther {
		t.Fatalf("double logout status: %d", again.Code)
	}
}

func TestEntryPagesRedirectAuthenticated(t *testing.T) {
	env := newRouterTest(t, false)
	rec := postJSON(t, env.router, "/signup", `{"username":"al","email":"a@b.com","password":"secret1"}`, nil)
	cookie := sessionCookie(t, rec)

	for _, path := range []string{"/", "/loginpage", "/signuppage"} {
		res := get(t, env.router, path, cookie)
		if res.Code != http.StatusFound || res.Header().Get("Location") != "/memberspage" {
			t.Fatalf("%s: expected redirect to members page, got %d -> %q", path, res.Code, res.Header().Get("Location"))
		}
	}

	for _, path := range []string{"/", "/loginpage", "/signuppage"} {
		res := get(t, env.router, path, nil)
		if res.Code != http.StatusOK {
			t.Fatalf("%s anonymous: expected page, got %d", path, res.Code)
		}
	}
}

func TestUnknownPathIs404(t *testing.T) {
	env := newRouterTest(t, false)
	rec := get(t, env.router, "/no-such-page", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSignupRateLimited(t *testing.T) {
	env := newRouterTest(t, true)

	var last *httptest.ResponseRecorder
	for i := 0; i <= rateLimitSignup; i++ {
		last = postJSON(t, env.router, "/signup", `not json`, nil)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit after %d attempts, got %d", rateLimitSignup+1, last.Code)
	}
	if last.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatalf("expected rate limit headers")
	}
}

func TestStaticAssetsServed(t *testing.T) {
	env := newRouterTest(t, false)
	rec := get(t, env.router, "/js/login.js", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected embedded asset, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "loginForm") {
		t.Fatalf("unexpected asset body")
	}
}
