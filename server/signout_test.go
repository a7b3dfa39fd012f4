package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func decodeSignoutResponse(t *testing.T, rec *httptest.ResponseRecorder) SignoutResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp SignoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode signout response: %v", err)
	}
	return resp
}

func TestSignoutEmptyRequestIsNoOp(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postForm(t, "/signout", url.Values{})
	resp := decodeSignoutResponse(t, rec)
	if len(resp.SessionsEnded) != 0 {
		t.Fatalf("sessions_ended = %v, want none", resp.SessionsEnded)
	}

	// The SSO cookie is cleared even on a no-op.
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == env.cfg.Cookie.Name && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("SSO cookie not cleared")
	}
}

func TestSignoutByIDTokenHint(t *testing.T) {
	env := newTestEnv(t)

	issued := decodeTokenResponse(t, env.postForm(t, "/token", passwordGrantForm()))
	claims := parseIssuedToken(t, env, issued.IDToken)
	sid, _ := claims["sid"].(string)
	if sid == "" {
		t.Fatal("issued token has no sid")
	}

	form := url.Values{
		"id_token_hint": {issued.IDToken},
		"client_id":     {"webapp"},
	}
	resp := decodeSignoutResponse(t, env.postForm(t, "/signout", form))
	if len(resp.SessionsEnded) != 1 || resp.SessionsEnded[0] != sid {
		t.Fatalf("sessions_ended = %v, want [%s]", resp.SessionsEnded, sid)
	}

	// The session is gone: its reference token no longer resolves.
	session, err := env.sessions.LookupByToken(context.Background(), issued.AccessToken)
	if err != nil {
		t.Fatalf("LookupByToken: %v", err)
	}
	if session != nil {
		t.Fatal("session still resolvable after signout")
	}
}

func TestSignoutRejectsForgedHint(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{
		"id_token_hint": {"eyJhbGciOiJub25lIn0.e30."},
	}
	rec := env.postForm(t, "/signout", form)
	re := decodeRequestError(t, rec)
	if re.Kind != ErrInvalidRequest {
		t.Fatalf("error = %s, want %s", re.Kind, ErrInvalidRequest)
	}
}

func TestSignoutRejectsHintForMissingSession(t *testing.T) {
	env := newTestEnv(t)

	issued := decodeTokenResponse(t, env.postForm(t, "/token", passwordGrantForm()))

	// Terminate once, then replay the same hint.
	form := url.Values{"id_token_hint": {issued.IDToken}}
	decodeSignoutResponse(t, env.postForm(t, "/signout", form))

	re := decodeRequestError(t, env.postForm(t, "/signout", form))
	if re.Kind != ErrInvalidRequest {
		t.Fatalf("error = %s, want %s", re.Kind, ErrInvalidRequest)
	}
}

func TestSignoutByCookieEndsAllUserSessions(t *testing.T) {
	env := newTestEnv(t)

	// Two sessions for alice through the token endpoint.
	decodeTokenResponse(t, env.postForm(t, "/token", passwordGrantForm()))
	decodeTokenResponse(t, env.postForm(t, "/token", passwordGrantForm()))

	sessions, err := env.sessions.SessionsForUser(context.Background(), "alice")
	if err != nil || len(sessions) != 2 {
		t.Fatalf("SessionsForUser = %d sessions, err %v; want 2", len(sessions), err)
	}

	// Build the browser state: an SSO cookie tracking alice.
	cookieRec := httptest.NewRecorder()
	tracked := env.app.Cookies.Append(AuthorizationCookie{}, "alice")
	if err := env.app.Cookies.Write(cookieRec, tracked); err != nil {
		t.Fatalf("Write cookie: %v", err)
	}

	form := url.Values{"logout_hint": {"alice"}}
	req := httptest.NewRequest(http.MethodPost, "/signout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookieRec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	resp := decodeSignoutResponse(t, rec)
	if len(resp.SessionsEnded) != 2 {
		t.Fatalf("sessions_ended = %v, want both sessions", resp.SessionsEnded)
	}

	remaining, err := env.sessions.SessionsForUser(context.Background(), "alice")
	if err != nil || len(remaining) != 0 {
		t.Fatalf("remaining sessions = %d, err %v; want 0", len(remaining), err)
	}
}

func TestSignoutRedirectsAfterLogout(t *testing.T) {
	env := newTestEnv(t)

	issued := decodeTokenResponse(t, env.postForm(t, "/token", passwordGrantForm()))

	form := url.Values{
		"id_token_hint":            {issued.IDToken},
		"post_logout_redirect_uri": {"http://127.0.0.1:3000/"},
	}
	rec := env.postForm(t, "/signout", form)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want redirect", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "http://127.0.0.1:3000/" {
		t.Fatalf("Location = %q", got)
	}
}
