package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// IdentityKind distinguishes the three principal classes handled by the server.
type IdentityKind string

const (
	IdentityUser        IdentityKind = "user"
	IdentityApplication IdentityKind = "application"
	IdentityDevice      IdentityKind = "device"
)

// Identity is a resolved directory entry with its claim set.
type Identity struct {
	Kind       IdentityKind
	Name       string
	SecurityID string
	Claims     map[string]any
}

// Principal is an authenticated composite of one or more identities plus
// any claims attached during authentication.
type Principal struct {
	Identities []*Identity
	Claims     map[string]any
}

// Primary returns the identity the principal authenticated as.
func (p *Principal) Primary() *Identity {
	if p == nil || len(p.Identities) == 0 {
		return nil
	}
	return p.Identities[0]
}

// IdentityOf returns the first identity of the given kind, or nil.
func (p *Principal) IdentityOf(kind IdentityKind) *Identity {
	if p == nil {
		return nil
	}
	for _, id := range p.Identities {
		if id.Kind == kind {
			return id
		}
	}
	return nil
}

// AddIdentity appends an identity unless one of the same kind and name is
// already part of the composite.
func (p *Principal) AddIdentity(id *Identity) {
	if id == nil {
		return
	}
	for _, have := range p.Identities {
		if have.Kind == id.Kind && have.Name == id.Name {
			return
		}
	}
	p.Identities = append(p.Identities, id)
}

// Policy names the access rules demanded before a flow may proceed.
type Policy string

const (
	PolicyPasswordFlow              Policy = "flow/password"
	PolicyPasswordFlowNoDevice      Policy = "flow/password/no-device"
	PolicyClientCredentialFlow      Policy = "flow/client-credentials"
	PolicyClientCredentialNoDevice  Policy = "flow/client-credentials/no-device"
	PolicyCodeFlow                  Policy = "flow/code"
	PolicyCodeFlowNoDevice          Policy = "flow/code/no-device"
	PolicyPasswordResetFlow         Policy = "flow/password-reset"
	PolicyPasswordResetFlowNoDevice Policy = "flow/password-reset/no-device"
)

// Authentication sentinels returned by directory collaborators. Grant
// handlers classify them into the wire error taxonomy.
var (
	ErrBadCredentials       = errors.New("authentication failed")
	ErrSecondFactorRequired = errors.New("a second factor code is required")
	ErrCredentialExpired    = errors.New("the password has expired")
)

// MissingClaimError reports a policy-required claim the requester did not
// supply. The claim name is disclosed in the error payload.
type MissingClaimError struct {
	Claim string
}

func (e *MissingClaimError) Error() string {
	return fmt.Sprintf("required claim %q was not supplied", e.Claim)
}

// UserDirectory resolves and authenticates resource owners.
type UserDirectory interface {
	Lookup(ctx context.Context, name string) (*Identity, error)
	Authenticate(ctx context.Context, username, password, secondFactor string) (*Principal, error)
}

// ChallengeAuthenticator verifies password-reset security challenges.
type ChallengeAuthenticator interface {
	Authenticate(ctx context.Context, username string, challenge uuid.UUID, response string) (*Principal, error)
}

// ApplicationDirectory resolves and authenticates calling applications.
type ApplicationDirectory interface {
	Lookup(ctx context.Context, name string) (*Identity, error)
	Authenticate(ctx context.Context, clientID, clientSecret string) (*Principal, error)
	// AuthenticateFor resolves an application on behalf of an already
	// authenticated user, used when no client secret accompanies the
	// request (the password-reset exchange).
	AuthenticateFor(ctx context.Context, clientID string, user *Principal) (*Principal, error)
}

// RoleProvider supplies role claims for a principal.
type RoleProvider interface {
	Roles(ctx context.Context, p *Principal) ([]string, error)
}

// PolicyService demands a named policy against a principal. A non-nil error
// means the flow must not proceed.
type PolicyService interface {
	Demand(ctx context.Context, policy Policy, p *Principal) error
}

// Session is the collaborator-owned record of an authenticated grant.
type Session struct {
	ID              []byte
	Principal       *Principal
	ApplicationName string
	DeviceName      string
	NotBefore       time.Time
	NotAfter        time.Time
	ReferenceToken  string
	RefreshToken    string
	Scopes          []string
	PurposeOfUse    string
	Override        bool
}

// DisplayID renders a 16-byte session id as a GUID and anything else as
// base64.
func (s *Session) DisplayID() string {
	if len(s.ID) == 16 {
		if id, err := uuid.FromBytes(s.ID); err == nil {
			return id.String()
		}
	}
	return base64.StdEncoding.EncodeToString(s.ID)
}

// EstablishRequest carries everything the session provider needs to start
// a session.
type EstablishRequest struct {
	Principal    *Principal
	Scopes       []string
	Claims       map[string]any
	RemoteAddr   string
	PurposeOfUse string
	Override     bool
}

// SessionProvider owns session persistence. The core performs no retries;
// a nil session from Establish is surfaced as unspecified_error.
type SessionProvider interface {
	Establish(ctx context.Context, req EstablishRequest) (*Session, error)
	Extend(ctx context.Context, refreshToken string) (*Session, error)
	Abandon(ctx context.Context, s *Session) error
	Lookup(ctx context.Context, id []byte) (*Session, error)
	LookupByToken(ctx context.Context, reference string) (*Session, error)
	SessionsForUser(ctx context.Context, username string) ([]*Session, error)
	Authenticate(ctx context.Context, s *Session) (*Principal, error)
}

// SessionEvent is the audit record emitted around session lifecycle changes.
type SessionEvent struct {
	SessionID   string
	User        string
	Application string
	Device      string
	RemoteAddr  string
	Success     bool
	At          time.Time
}

// AuditSink receives session start/stop events.
type AuditSink interface {
	SessionStarted(ctx context.Context, ev SessionEvent)
	SessionStopped(ctx context.Context, ev SessionEvent)
}

// LoginView carries everything the login surface needs to render.
type LoginView struct {
	ClientID     string
	Scope        string
	State        string
	Nonce        string
	ResponseMode string
	RedirectURI  string
	LoginHint    string
	ErrorMessage string
}

// LoginRenderer renders the interactive login surface. The production
// renderer lives in the excluded asset pipeline; a minimal built-in
// implementation backs dev mode.
type LoginRenderer interface {
	RenderLogin(w io.Writer, view LoginView) error
}
