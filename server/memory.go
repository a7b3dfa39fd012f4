package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// The in-memory collaborators back dev mode and the test suite. Production
// deployments supply real directory, session and audit services.

// memoryUser is a seeded directory entry.
type memoryUser struct {
	Identity     *Identity
	Password     string
	SecondFactor string
	Expired      bool
	Challenges   map[uuid.UUID]string
	Roles        []string
}

// MemoryDirectory is an in-memory user directory, challenge authenticator
// and role provider.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*memoryUser
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*memoryUser)}
}

// AddUser seeds a user with a password.
func (d *MemoryDirectory) AddUser(name, password string, claims map[string]any) *Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := &Identity{
		Kind:       IdentityUser,
		Name:       name,
		SecurityID: "user:" + name,
		Claims:     claims,
	}
	d.users[name] = &memoryUser{
		Identity:   id,
		Password:   password,
		Challenges: make(map[uuid.UUID]string),
	}
	return id
}

// SetSecondFactor requires an MFA code for the user.
func (d *MemoryDirectory) SetSecondFactor(name, code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[name]; ok {
		u.SecondFactor = code
	}
}

// SetExpired marks the user's password expired.
func (d *MemoryDirectory) SetExpired(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[name]; ok {
		u.Expired = true
	}
}

// AddChallenge registers a password-reset challenge response.
func (d *MemoryDirectory) AddChallenge(name string, challenge uuid.UUID, response string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[name]; ok {
		u.Challenges[challenge] = response
	}
}

// SetRoles assigns the user's roles.
func (d *MemoryDirectory) SetRoles(name string, roles []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[name]; ok {
		u.Roles = roles
	}
}

// Lookup resolves a user identity by name.
func (d *MemoryDirectory) Lookup(_ context.Context, name string) (*Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[name]
	if !ok {
		return nil, ErrBadCredentials
	}
	return u.Identity, nil
}

// Authenticate verifies a username/password pair with an optional second
// factor.
func (d *MemoryDirectory) Authenticate(_ context.Context, username, password, secondFactor string) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return nil, ErrBadCredentials
	}
	if u.Expired {
		return nil, ErrCredentialExpired
	}
	if u.SecondFactor != "" {
		if secondFactor == "" {
			return nil, ErrSecondFactorRequired
		}
		if secondFactor != u.SecondFactor {
			return nil, ErrBadCredentials
		}
	}
	return &Principal{Identities: []*Identity{u.Identity}, Claims: u.Identity.Claims}, nil
}

// AuthenticateChallenge implements ChallengeAuthenticator against the
// registered challenges.
func (d *MemoryDirectory) AuthenticateChallenge(_ context.Context, username string, challenge uuid.UUID, response string) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	if !ok {
		return nil, ErrBadCredentials
	}
	expected, ok := u.Challenges[challenge]
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(response)) != 1 {
		return nil, ErrBadCredentials
	}
	return &Principal{Identities: []*Identity{u.Identity}, Claims: u.Identity.Claims}, nil
}

// Roles implements RoleProvider.
func (d *MemoryDirectory) Roles(_ context.Context, p *Principal) ([]string, error) {
	user := p.IdentityOf(IdentityUser)
	if user == nil {
		return nil, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.users[user.Name]; ok {
		return u.Roles, nil
	}
	return nil, nil
}

// challengeAdapter exposes MemoryDirectory as a ChallengeAuthenticator.
type challengeAdapter struct {
	dir *MemoryDirectory
}

func (c challengeAdapter) Authenticate(ctx context.Context, username string, challenge uuid.UUID, response string) (*Principal, error) {
	return c.dir.AuthenticateChallenge(ctx, username, challenge, response)
}

// ChallengeAuthenticator returns the directory's challenge view.
func (d *MemoryDirectory) ChallengeAuthenticator() ChallengeAuthenticator {
	return challengeAdapter{dir: d}
}

// memoryApplication is a seeded application entry.
type memoryApplication struct {
	Identity *Identity
	Secret   string
}

// MemoryApplications is an in-memory application directory.
type MemoryApplications struct {
	mu   sync.RWMutex
	apps map[string]*memoryApplication
}

// NewMemoryApplications constructs an empty application directory.
func NewMemoryApplications() *MemoryApplications {
	return &MemoryApplications{apps: make(map[string]*memoryApplication)}
}

// AddApplication seeds an application with its secret.
func (m *MemoryApplications) AddApplication(name, secret string) *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := &Identity{
		Kind:       IdentityApplication,
		Name:       name,
		SecurityID: "app:" + name,
		Claims:     map[string]any{},
	}
	m.apps[name] = &memoryApplication{Identity: id, Secret: secret}
	return id
}

// Lookup resolves an application identity by name.
func (m *MemoryApplications) Lookup(_ context.Context, name string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[name]
	if !ok {
		return nil, fmt.Errorf("unknown application %q", name)
	}
	return app.Identity, nil
}

// Authenticate verifies a client_id/client_secret pair.
func (m *MemoryApplications) Authenticate(_ context.Context, clientID, clientSecret string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[clientID]
	if !ok || subtle.ConstantTimeCompare([]byte(app.Secret), []byte(clientSecret)) != 1 {
		return nil, ErrBadCredentials
	}
	return &Principal{Identities: []*Identity{app.Identity}, Claims: app.Identity.Claims}, nil
}

// AuthenticateFor resolves an application on behalf of an authenticated
// user, without a client secret.
func (m *MemoryApplications) AuthenticateFor(ctx context.Context, clientID string, user *Principal) (*Principal, error) {
	if user == nil || user.Primary() == nil {
		return nil, ErrBadCredentials
	}
	id, err := m.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return &Principal{Identities: []*Identity{id}, Claims: id.Claims}, nil
}

// MemorySessions is an in-memory session provider.
type MemorySessions struct {
	mu        sync.RWMutex
	ttl       time.Duration
	sessions  map[string]*Session
	byRefresh map[string]string
	byToken   map[string]string
}

// NewMemorySessions constructs the provider with the given session TTL.
func NewMemorySessions(ttl time.Duration) *MemorySessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemorySessions{
		ttl:       ttl,
		sessions:  make(map[string]*Session),
		byRefresh: make(map[string]string),
		byToken:   make(map[string]string),
	}
}

// Establish starts a session for the composite principal.
func (m *MemorySessions) Establish(_ context.Context, req EstablishRequest) (*Session, error) {
	id := uuid.New()
	now := time.Now()
	session := &Session{
		ID:             id[:],
		Principal:      req.Principal,
		NotBefore:      now,
		NotAfter:       now.Add(m.ttl),
		ReferenceToken: newOpaqueToken(),
		RefreshToken:   newOpaqueToken(),
		Scopes:         req.Scopes,
		PurposeOfUse:   req.PurposeOfUse,
		Override:       req.Override,
	}
	if app := req.Principal.IdentityOf(IdentityApplication); app != nil {
		session.ApplicationName = app.Name
	}
	if device := req.Principal.IdentityOf(IdentityDevice); device != nil {
		session.DeviceName = device.Name
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(session.ID)
	m.sessions[key] = session
	m.byRefresh[session.RefreshToken] = key
	m.byToken[session.ReferenceToken] = key
	return session, nil
}

// Extend resolves a session by refresh token and extends its validity.
func (m *MemorySessions) Extend(_ context.Context, refreshToken string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byRefresh[refreshToken]
	if !ok {
		return nil, fmt.Errorf("unknown refresh token")
	}
	session, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("session gone")
	}
	session.NotAfter = time.Now().Add(m.ttl)
	return session, nil
}

// Abandon terminates a session.
func (m *MemorySessions) Abandon(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(s.ID)
	if stored, ok := m.sessions[key]; ok {
		delete(m.byRefresh, stored.RefreshToken)
		delete(m.byToken, stored.ReferenceToken)
		delete(m.sessions, key)
		return nil
	}
	return fmt.Errorf("session not found")
}

// Lookup resolves a session by raw id.
func (m *MemorySessions) Lookup(_ context.Context, id []byte) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[string(id)]
	if !ok {
		return nil, nil
	}
	return session, nil
}

// LookupByToken resolves a session by its reference token.
func (m *MemorySessions) LookupByToken(_ context.Context, reference string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byToken[reference]
	if !ok {
		return nil, nil
	}
	return m.sessions[key], nil
}

// SessionsForUser enumerates the user's active sessions.
func (m *MemorySessions) SessionsForUser(_ context.Context, username string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, session := range m.sessions {
		if user := session.Principal.IdentityOf(IdentityUser); user != nil && user.Name == username {
			out = append(out, session)
		}
	}
	return out, nil
}

// Authenticate re-authenticates the session's principal.
func (m *MemorySessions) Authenticate(_ context.Context, s *Session) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.sessions[string(s.ID)]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	if time.Now().After(stored.NotAfter) {
		return nil, fmt.Errorf("session expired")
	}
	if stored.Principal.Claims == nil {
		stored.Principal.Claims = map[string]any{}
	}
	return stored.Principal, nil
}

// AllowAllPolicy grants every policy demand. Dev mode only.
type AllowAllPolicy struct{}

// Demand implements PolicyService.
func (AllowAllPolicy) Demand(context.Context, Policy, *Principal) error { return nil }

// DenyPolicy rejects a fixed set of policies; everything else passes.
type DenyPolicy struct {
	Denied map[Policy]bool
}

// Demand implements PolicyService.
func (p DenyPolicy) Demand(_ context.Context, policy Policy, _ *Principal) error {
	if p.Denied[policy] {
		return fmt.Errorf("policy %s denied", policy)
	}
	return nil
}

// SlogAuditSink writes audit events to the structured log. Production
// deployments deliver events to the audit pipeline instead.
type SlogAuditSink struct {
	Logger *slog.Logger
}

// SessionStarted implements AuditSink.
func (s SlogAuditSink) SessionStarted(_ context.Context, ev SessionEvent) {
	s.Logger.Info("audit_session_start",
		"session_id", ev.SessionID,
		"user", ev.User,
		"application", ev.Application,
		"device", ev.Device,
		"remote_addr", ev.RemoteAddr,
		"success", ev.Success,
	)
}

// SessionStopped implements AuditSink.
func (s SlogAuditSink) SessionStopped(_ context.Context, ev SessionEvent) {
	s.Logger.Info("audit_session_stop",
		"session_id", ev.SessionID,
		"user", ev.User,
		"application", ev.Application,
		"remote_addr", ev.RemoteAddr,
		"success", ev.Success,
	)
}

func newOpaqueToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacktoken"))
	}
	return hex.EncodeToString(buf)
}
