package server

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// capturingAuditSink records session events for assertions.
type capturingAuditSink struct {
	mu      sync.Mutex
	started []SessionEvent
	stopped []SessionEvent
}

func (c *capturingAuditSink) SessionStarted(_ context.Context, ev SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, ev)
}

func (c *capturingAuditSink) SessionStopped(_ context.Context, ev SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, ev)
}

func newGlueEnv(t *testing.T) (*SessionGlue, *MemorySessions, *capturingAuditSink) {
	t.Helper()
	sessions := NewMemorySessions(0)
	audit := &capturingAuditSink{}
	return NewSessionGlue(sessions, audit, testLogger()), sessions, audit
}

func userPrincipal(name string) *Principal {
	id := &Identity{Kind: IdentityUser, Name: name, SecurityID: "user:" + name}
	return &Principal{Identities: []*Identity{id}, Claims: map[string]any{}}
}

func TestEstablishUserSessionBuildsComposite(t *testing.T) {
	glue, _, audit := newGlueEnv(t)

	app := &Identity{Kind: IdentityApplication, Name: "webapp"}
	device := &Identity{Kind: IdentityDevice, Name: "device-1"}

	session, err := glue.EstablishUserSession(context.Background(), userPrincipal("alice"), app, device,
		[]string{"openid"}, nil, "10.0.0.1")
	if err != nil {
		t.Fatalf("EstablishUserSession: %v", err)
	}

	if session.ApplicationName != "webapp" || session.DeviceName != "device-1" {
		t.Fatalf("session bindings = %q/%q", session.ApplicationName, session.DeviceName)
	}
	if got := session.Principal.IdentityOf(IdentityUser); got == nil || got.Name != "alice" {
		t.Fatal("composite principal lost the user identity")
	}

	if len(audit.started) != 1 {
		t.Fatalf("start events = %d, want 1", len(audit.started))
	}
	ev := audit.started[0]
	if !ev.Success || ev.User != "alice" || ev.Application != "webapp" || ev.RemoteAddr != "10.0.0.1" {
		t.Fatalf("start event = %+v", ev)
	}
}

func TestEstablishClientSessionRequiresApplicationIdentity(t *testing.T) {
	glue, _, _ := newGlueEnv(t)

	if _, err := glue.EstablishClientSession(context.Background(), userPrincipal("alice"), nil, nil, ""); err == nil {
		t.Fatal("user principal accepted for a client session")
	}

	app := &Principal{Identities: []*Identity{{Kind: IdentityApplication, Name: "webapp"}}}
	session, err := glue.EstablishClientSession(context.Background(), app, nil, []string{"service"}, "")
	if err != nil {
		t.Fatalf("EstablishClientSession: %v", err)
	}
	if session.ApplicationName != "webapp" {
		t.Fatalf("application = %q", session.ApplicationName)
	}
}

func TestAbandonSessionAudits(t *testing.T) {
	glue, sessions, audit := newGlueEnv(t)

	session, err := glue.EstablishUserSession(context.Background(), userPrincipal("alice"), nil, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("EstablishUserSession: %v", err)
	}

	if err := glue.AbandonSession(context.Background(), session, "10.0.0.1"); err != nil {
		t.Fatalf("AbandonSession: %v", err)
	}
	if len(audit.stopped) != 1 || !audit.stopped[0].Success {
		t.Fatalf("stop events = %+v", audit.stopped)
	}

	got, err := sessions.Lookup(context.Background(), session.ID)
	if err != nil || got != nil {
		t.Fatalf("session still present after abandon: %v %v", got, err)
	}
}

func TestDerivePurpose(t *testing.T) {
	cases := []struct {
		name         string
		claims       map[string]any
		scopes       []string
		wantPurpose  string
		wantOverride bool
	}{
		{"from claim", map[string]any{"purpose_of_use": "treatment"}, nil, "treatment", false},
		{"from scope prefix", nil, []string{"purpose:research"}, "research", false},
		{"claim wins over scope", map[string]any{"purpose_of_use": "treatment"}, []string{"purpose:research"}, "treatment", false},
		{"override scope", nil, []string{"override"}, "", true},
		{"override claim", map[string]any{"override": true}, nil, "", true},
		{"nothing", nil, []string{"openid"}, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			purpose, override := derivePurpose(tc.claims, tc.scopes)
			if purpose != tc.wantPurpose || override != tc.wantOverride {
				t.Fatalf("derivePurpose = (%q, %v), want (%q, %v)", purpose, override, tc.wantPurpose, tc.wantOverride)
			}
		})
	}
}

func TestSessionDisplayID(t *testing.T) {
	id := uuid.New()
	guid := &Session{ID: id[:]}
	if got := guid.DisplayID(); got != id.String() {
		t.Fatalf("DisplayID = %q, want %q", got, id.String())
	}

	raw := []byte("short-id")
	other := &Session{ID: raw}
	if got := other.DisplayID(); got != base64.StdEncoding.EncodeToString(raw) {
		t.Fatalf("DisplayID = %q, want base64 of raw id", got)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := extractBearerToken(tc.header); got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := remoteAddr(req); got != "192.0.2.7" {
		t.Fatalf("remoteAddr = %q, want port stripped", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := remoteAddr(req); got != "203.0.113.9" {
		t.Fatalf("remoteAddr = %q, want first forwarded hop", got)
	}
}

func TestSplitScopes(t *testing.T) {
	if got := splitScopes(""); got != nil {
		t.Fatalf("splitScopes(\"\") = %v, want nil", got)
	}
	got := splitScopes("  openid   profile ")
	if len(got) != 2 || got[0] != "openid" || got[1] != "profile" {
		t.Fatalf("splitScopes = %v", got)
	}
}
