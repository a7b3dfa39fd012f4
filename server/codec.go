package server

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AuthorizationCode is the ephemeral payload behind the opaque code string.
// It is never persisted server-side; the validity window is the only
// anti-replay control.
type AuthorizationCode struct {
	IssuedAt            time.Time `json:"iat"`
	DeviceID            string    `json:"did,omitempty"`
	ClientID            string    `json:"cid"`
	UserID              string    `json:"uid"`
	Nonce               string    `json:"nonce,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"chal,omitempty"`
	CodeChallengeMethod string    `json:"chal_method,omitempty"`
}

// AuthorizationCookie tracks every user that authenticated interactively in
// the current browser. It drives bulk signout.
type AuthorizationCookie struct {
	Users     []string  `json:"users"`
	CreatedAt time.Time `json:"iat"`
	Nonce     uint64    `json:"n"`
}

// Contains reports whether the user is already tracked.
func (c AuthorizationCookie) Contains(user string) bool {
	for _, u := range c.Users {
		if u == user {
			return true
		}
	}
	return false
}

// Code validation outcomes, in evaluation order.
var (
	ErrCodeExpired             = errors.New("authorization code expired")
	ErrCodeDeviceMismatch      = errors.New("authorization code device mismatch")
	ErrCodeApplicationMismatch = errors.New("authorization code application mismatch")
)

// deriveAEAD expands a per-purpose subkey from the master secret so the code
// and cookie ciphertexts are never interchangeable.
func deriveAEAD(secret, purpose string) (cipher.AEAD, error) {
	if secret == "" {
		return nil, errors.New("blob secret is empty")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

func seal(aead cipher.AEAD, v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func open(aead cipher.AEAD, blob string, v any) bool {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil || len(raw) < aead.NonceSize() {
		return false
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return false
	}
	return json.Unmarshal(plain, v) == nil
}

// CodeCodec encodes, decodes and validates stateless authorization codes.
type CodeCodec struct {
	aead cipher.AEAD
	ttl  time.Duration
}

// NewCodeCodec derives the code cipher from the shared blob secret.
func NewCodeCodec(secret string, ttl time.Duration) (*CodeCodec, error) {
	aead, err := deriveAEAD(secret, "authd/authorization-code")
	if err != nil {
		return nil, err
	}
	return &CodeCodec{aead: aead, ttl: ttl}, nil
}

// Encode serializes and encrypts the code into an opaque string.
func (c *CodeCodec) Encode(code AuthorizationCode) (string, error) {
	return seal(c.aead, code)
}

// Decode decrypts and deserializes an opaque code. Malformed or tampered
// input returns nil, never an error.
func (c *CodeCodec) Decode(blob string) *AuthorizationCode {
	var code AuthorizationCode
	if !open(c.aead, blob, &code) {
		return nil
	}
	return &code
}

// Validate checks the validity window and the device/application subject
// bindings against the identities present on the redeeming request. The
// user-subject resolution happens at redemption, where a directory is in
// scope.
func (c *CodeCodec) Validate(code *AuthorizationCode, now time.Time, device, application *Identity) error {
	if now.Sub(code.IssuedAt) > c.ttl {
		return ErrCodeExpired
	}
	if code.DeviceID != "" {
		if device == nil || device.Name != code.DeviceID {
			return ErrCodeDeviceMismatch
		}
	} else if device != nil {
		return ErrCodeDeviceMismatch
	}
	if code.ClientID != "" {
		if application == nil || application.Name != code.ClientID {
			return ErrCodeApplicationMismatch
		}
	}
	return nil
}

// CookieCodec reads and writes the encrypted SSO cookie.
type CookieCodec struct {
	aead   cipher.AEAD
	name   string
	ttl    time.Duration
	domain string
	secure bool
}

// NewCookieCodec derives the cookie cipher from the shared blob secret.
func NewCookieCodec(cfg CookieConfig, domain string, secure bool) (*CookieCodec, error) {
	aead, err := deriveAEAD(cfg.Secret, "authd/sso-cookie")
	if err != nil {
		return nil, err
	}
	return &CookieCodec{aead: aead, name: cfg.Name, ttl: time.Duration(cfg.TTL), domain: domain, secure: secure}, nil
}

// Read returns the decoded cookie. A missing, expired or tampered cookie
// yields the zero value; a corrupt cookie is never trusted.
func (cc *CookieCodec) Read(r *http.Request) AuthorizationCookie {
	cookie, err := r.Cookie(cc.name)
	if err != nil {
		return AuthorizationCookie{}
	}
	var decoded AuthorizationCookie
	if !open(cc.aead, cookie.Value, &decoded) {
		return AuthorizationCookie{}
	}
	if !decoded.CreatedAt.IsZero() && time.Now().After(decoded.CreatedAt.Add(cc.ttl)) {
		return AuthorizationCookie{}
	}
	return decoded
}

// Append adds the user to the tracked list if new and bumps the nonce
// counter. The list is append-only per login event.
func (cc *CookieCodec) Append(cookie AuthorizationCookie, user string) AuthorizationCookie {
	if cookie.CreatedAt.IsZero() {
		cookie.CreatedAt = time.Now()
	}
	if !cookie.Contains(user) {
		cookie.Users = append(cookie.Users, user)
	}
	cookie.Nonce++
	return cookie
}

// Write encrypts and sets the cookie, refreshing its expiry.
func (cc *CookieCodec) Write(w http.ResponseWriter, cookie AuthorizationCookie) error {
	blob, err := seal(cc.aead, cookie)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cc.name,
		Value:    blob,
		Path:     "/",
		Domain:   cc.domain,
		HttpOnly: true,
		Secure:   cc.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(cc.ttl.Seconds()),
	})
	return nil
}

// Clear removes the SSO cookie.
func (cc *CookieCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cc.name,
		Value:    "",
		Path:     "/",
		Domain:   cc.domain,
		HttpOnly: true,
		Secure:   cc.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
