package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const testBlobSecret = "unit-test-blob-secret"

var testChallengeID = uuid.MustParse("11111111-2222-3333-4444-555555555555")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cookie.Secret = testBlobSecret
	cfg.Signatures = []SignatureConfig{{
		Name:      "default",
		Algorithm: "HS256",
		Secret:    "0123456789abcdef0123456789abcdef",
	}}
	cfg.Tokens.AllowClientOnly = true
	return cfg
}

type testEnv struct {
	app      *App
	cfg      Config
	users    *MemoryDirectory
	apps     *MemoryApplications
	sessions *MemorySessions
	handler  http.Handler
}

// newTestEnv wires the application against seeded in-memory collaborators:
// alice (plain password), bob (second factor), carol (expired password), the
// webapp and other applications, plus a reset challenge for alice.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testConfig(), Collaborators{})
}

func newTestEnvWith(t *testing.T, cfg Config, override Collaborators) *testEnv {
	t.Helper()

	users := NewMemoryDirectory()
	users.AddUser("alice", "alice-password", map[string]any{"email": "alice@example.test"})
	users.SetRoles("alice", []string{"user"})
	users.AddChallenge("alice", testChallengeID, "blue")
	users.AddUser("bob", "bob-password", nil)
	users.SetSecondFactor("bob", "123456")
	users.AddUser("carol", "carol-password", nil)
	users.SetExpired("carol")

	apps := NewMemoryApplications()
	apps.AddApplication("webapp", "webapp-secret")
	apps.AddApplication("other", "other-secret")
	apps.AddApplication("system", "system-secret")

	sessions := NewMemorySessions(0)

	collab := Collaborators{
		Users:      users,
		Apps:       apps,
		Challenges: users.ChallengeAuthenticator(),
		Roles:      users,
		Policy:     AllowAllPolicy{},
		Sessions:   sessions,
		Audit:      SlogAuditSink{Logger: testLogger()},
		Mappers:    NewClaimMapperRegistry(),
	}
	if override.Users != nil {
		collab.Users = override.Users
	}
	if override.Policy != nil {
		collab.Policy = override.Policy
	}
	if override.Mappers != nil {
		collab.Mappers = override.Mappers
	}

	app, err := NewApp(cfg, collab, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	return &testEnv{
		app:      app,
		cfg:      cfg,
		users:    users,
		apps:     apps,
		sessions: sessions,
		handler:  app.Routes(),
	}
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeTokenResponse(t *testing.T, rec *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp
}

func decodeRequestError(t *testing.T, rec *httptest.ResponseRecorder) RequestError {
	t.Helper()
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var re RequestError
	if err := json.Unmarshal(rec.Body.Bytes(), &re); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return re
}

// passwordGrantForm is the canonical valid password-grant request.
func passwordGrantForm() url.Values {
	return url.Values{
		"grant_type":    {"password"},
		"client_id":     {"webapp"},
		"client_secret": {"webapp-secret"},
		"username":      {"alice"},
		"password":      {"alice-password"},
		"scope":         {"openid profile"},
	}
}
