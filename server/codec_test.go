package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestCodeCodec(t *testing.T, ttl time.Duration) *CodeCodec {
	t.Helper()
	codec, err := NewCodeCodec(testBlobSecret, ttl)
	if err != nil {
		t.Fatalf("NewCodeCodec: %v", err)
	}
	return codec
}

func TestCodeRoundTrip(t *testing.T) {
	codec := newTestCodeCodec(t, time.Minute)

	in := AuthorizationCode{
		IssuedAt:            time.Now().UTC().Truncate(time.Second),
		ClientID:            "webapp",
		UserID:              "alice",
		Nonce:               "n-123",
		Scope:               "openid profile",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	}
	blob, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out := codec.Decode(blob)
	if out == nil {
		t.Fatal("Decode returned nil for a valid blob")
	}
	if out.ClientID != in.ClientID || out.UserID != in.UserID || out.Nonce != in.Nonce {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if !out.IssuedAt.Equal(in.IssuedAt) {
		t.Fatalf("IssuedAt = %v, want %v", out.IssuedAt, in.IssuedAt)
	}
}

func TestCodeDecodeRejectsGarbage(t *testing.T) {
	codec := newTestCodeCodec(t, time.Minute)

	for _, blob := range []string{"", "not-base64!!", "YWJjZGVm", "AAAA"} {
		if got := codec.Decode(blob); got != nil {
			t.Fatalf("Decode(%q) = %+v, want nil", blob, got)
		}
	}
}

func TestCodeDecodeRejectsTampering(t *testing.T) {
	codec := newTestCodeCodec(t, time.Minute)

	blob, err := codec.Encode(AuthorizationCode{IssuedAt: time.Now(), ClientID: "webapp", UserID: "alice"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tampered := []byte(blob)
	tampered[len(tampered)/2] ^= 'x'
	if got := codec.Decode(string(tampered)); got != nil {
		t.Fatalf("Decode of tampered blob = %+v, want nil", got)
	}
}

func TestCodeDecodeRejectsForeignPurpose(t *testing.T) {
	// A cookie blob sealed under the same master secret must not decode as
	// a code.
	cookies, err := NewCookieCodec(CookieConfig{Name: "sso", TTL: Duration(time.Hour), Secret: testBlobSecret}, "", false)
	if err != nil {
		t.Fatalf("NewCookieCodec: %v", err)
	}
	blob, err := seal(cookies.aead, AuthorizationCookie{Users: []string{"alice"}, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	codec := newTestCodeCodec(t, time.Minute)
	if got := codec.Decode(blob); got != nil {
		t.Fatalf("Decode of cookie blob = %+v, want nil", got)
	}
}

func TestCodeValidateWindow(t *testing.T) {
	codec := newTestCodeCodec(t, time.Minute)
	now := time.Now()

	fresh := &AuthorizationCode{IssuedAt: now.Add(-30 * time.Second)}
	if err := codec.Validate(fresh, now, nil, nil); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}

	stale := &AuthorizationCode{IssuedAt: now.Add(-90 * time.Second)}
	if err := codec.Validate(stale, now, nil, nil); err != ErrCodeExpired {
		t.Fatalf("stale code error = %v, want ErrCodeExpired", err)
	}
}

func TestCodeValidateDeviceBinding(t *testing.T) {
	codec := newTestCodeCodec(t, time.Minute)
	now := time.Now()
	device := &Identity{Kind: IdentityDevice, Name: "device-1"}
	other := &Identity{Kind: IdentityDevice, Name: "device-2"}

	bound := &AuthorizationCode{IssuedAt: now, DeviceID: "device-1"}
	if err := codec.Validate(bound, now, device, nil); err != nil {
		t.Fatalf("matching device rejected: %v", err)
	}
	if err := codec.Validate(bound, now, other, nil); err != ErrCodeDeviceMismatch {
		t.Fatalf("wrong device error = %v, want ErrCodeDeviceMismatch", err)
	}
	if err := codec.Validate(bound, now, nil, nil); err != ErrCodeDeviceMismatch {
		t.Fatalf("missing device error = %v, want ErrCodeDeviceMismatch", err)
	}

	// A device-less code may not be redeemed from a device-bound request.
	unbound := &AuthorizationCode{IssuedAt: now}
	if err := codec.Validate(unbound, now, device, nil); err != ErrCodeDeviceMismatch {
		t.Fatalf("unbound code with device error = %v, want ErrCodeDeviceMismatch", err)
	}
	if err := codec.Validate(unbound, now, nil, nil); err != nil {
		t.Fatalf("unbound code rejected: %v", err)
	}
}

func TestCodeValidateApplicationBinding(t *testing.T) {
	codec := newTestCodeCodec(t, time.Minute)
	now := time.Now()

	code := &AuthorizationCode{IssuedAt: now, ClientID: "webapp"}
	app := &Identity{Kind: IdentityApplication, Name: "webapp"}
	if err := codec.Validate(code, now, nil, app); err != nil {
		t.Fatalf("matching application rejected: %v", err)
	}

	wrong := &Identity{Kind: IdentityApplication, Name: "other"}
	if err := codec.Validate(code, now, nil, wrong); err != ErrCodeApplicationMismatch {
		t.Fatalf("wrong application error = %v, want ErrCodeApplicationMismatch", err)
	}
	if err := codec.Validate(code, now, nil, nil); err != ErrCodeApplicationMismatch {
		t.Fatalf("missing application error = %v, want ErrCodeApplicationMismatch", err)
	}
}

func newTestCookieCodec(t *testing.T, ttl time.Duration) *CookieCodec {
	t.Helper()
	codec, err := NewCookieCodec(CookieConfig{Name: "authd_sso", TTL: Duration(ttl), Secret: testBlobSecret}, "", false)
	if err != nil {
		t.Fatalf("NewCookieCodec: %v", err)
	}
	return codec
}

func requestWithCookies(t *testing.T, rec *httptest.ResponseRecorder) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestCookieAppendTracksUsers(t *testing.T) {
	codec := newTestCookieCodec(t, time.Hour)

	cookie := codec.Append(AuthorizationCookie{}, "alice")
	cookie = codec.Append(cookie, "bob")
	cookie = codec.Append(cookie, "alice")

	if len(cookie.Users) != 2 {
		t.Fatalf("Users = %v, want [alice bob]", cookie.Users)
	}
	if !cookie.Contains("alice") || !cookie.Contains("bob") {
		t.Fatalf("Users = %v, missing tracked user", cookie.Users)
	}
	if cookie.Nonce != 3 {
		t.Fatalf("Nonce = %d, want 3 (bumped per login event)", cookie.Nonce)
	}
	if cookie.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set on first append")
	}
}

func TestCookieWriteReadRoundTrip(t *testing.T) {
	codec := newTestCookieCodec(t, time.Hour)

	rec := httptest.NewRecorder()
	written := codec.Append(AuthorizationCookie{}, "alice")
	if err := codec.Write(rec, written); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := codec.Read(requestWithCookies(t, rec))
	if !got.Contains("alice") {
		t.Fatalf("Read = %+v, want alice tracked", got)
	}
}

func TestCookieReadToleratesAbsenceAndTampering(t *testing.T) {
	codec := newTestCookieCodec(t, time.Hour)

	if got := codec.Read(httptest.NewRequest(http.MethodGet, "/", nil)); len(got.Users) != 0 {
		t.Fatalf("Read without cookie = %+v, want zero value", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "authd_sso", Value: "tampered-garbage"})
	if got := codec.Read(req); len(got.Users) != 0 {
		t.Fatalf("Read of tampered cookie = %+v, want zero value", got)
	}
}

func TestCookieReadExpires(t *testing.T) {
	codec := newTestCookieCodec(t, time.Minute)

	rec := httptest.NewRecorder()
	old := AuthorizationCookie{Users: []string{"alice"}, CreatedAt: time.Now().Add(-2 * time.Minute)}
	if err := codec.Write(rec, old); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := codec.Read(requestWithCookies(t, rec)); len(got.Users) != 0 {
		t.Fatalf("Read of expired cookie = %+v, want zero value", got)
	}
}
