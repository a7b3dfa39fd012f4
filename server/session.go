package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	purposeClaim  = "purpose_of_use"
	overrideScope = "override"
)

// SessionGlue establishes, extends and abandons sessions through the
// session-provider collaborator and emits the matching audit events. It
// performs no retries: a nil session from the provider propagates up as an
// endpoint-level unspecified_error.
type SessionGlue struct {
	sessions SessionProvider
	audit    AuditSink
	logger   *slog.Logger
}

// NewSessionGlue wires the glue with its collaborators.
func NewSessionGlue(sessions SessionProvider, audit AuditSink, logger *slog.Logger) *SessionGlue {
	return &SessionGlue{sessions: sessions, audit: audit, logger: logger}
}

// EstablishUserSession builds a composite principal for the user, adds the
// application and device identities if absent, and starts a session.
func (g *SessionGlue) EstablishUserSession(ctx context.Context, principal *Principal, application, device *Identity, scopes []string, claims map[string]any, remoteAddr string) (*Session, error) {
	composite := compositePrincipal(principal)
	composite.AddIdentity(application)
	composite.AddIdentity(device)

	purpose, override := derivePurpose(claims, scopes)
	session, err := g.sessions.Establish(ctx, EstablishRequest{
		Principal:    composite,
		Scopes:       scopes,
		Claims:       claims,
		RemoteAddr:   remoteAddr,
		PurposeOfUse: purpose,
		Override:     override,
	})

	g.auditStart(ctx, session, composite, remoteAddr, err == nil && session != nil)
	return session, err
}

// EstablishClientSession is the no-user variant. The principal's identity
// must be an application identity.
func (g *SessionGlue) EstablishClientSession(ctx context.Context, principal *Principal, device *Principal, scopes []string, remoteAddr string) (*Session, error) {
	primary := principal.Primary()
	if primary == nil || primary.Kind != IdentityApplication {
		return nil, fmt.Errorf("client session requires an application identity, got %v", kindOf(primary))
	}

	composite := compositePrincipal(principal)
	if device != nil {
		composite.AddIdentity(device.IdentityOf(IdentityDevice))
	}

	session, err := g.sessions.Establish(ctx, EstablishRequest{
		Principal:  composite,
		Scopes:     scopes,
		RemoteAddr: remoteAddr,
	})

	g.auditStart(ctx, session, composite, remoteAddr, err == nil && session != nil)
	return session, err
}

// AbandonSession terminates a session and audits the stop event.
func (g *SessionGlue) AbandonSession(ctx context.Context, session *Session, remoteAddr string) error {
	err := g.sessions.Abandon(ctx, session)
	ev := sessionEvent(session, remoteAddr)
	ev.Success = err == nil
	g.audit.SessionStopped(ctx, ev)
	return err
}

func (g *SessionGlue) auditStart(ctx context.Context, session *Session, principal *Principal, remoteAddr string, success bool) {
	ev := SessionEvent{
		RemoteAddr: remoteAddr,
		Success:    success,
		At:         time.Now(),
	}
	if session != nil {
		ev = sessionEvent(session, remoteAddr)
		ev.Success = success
	} else if principal != nil {
		if user := principal.IdentityOf(IdentityUser); user != nil {
			ev.User = user.Name
		}
		if app := principal.IdentityOf(IdentityApplication); app != nil {
			ev.Application = app.Name
		}
	}
	g.audit.SessionStarted(ctx, ev)
}

func sessionEvent(session *Session, remoteAddr string) SessionEvent {
	ev := SessionEvent{
		SessionID:   session.DisplayID(),
		Application: session.ApplicationName,
		Device:      session.DeviceName,
		RemoteAddr:  remoteAddr,
		At:          time.Now(),
	}
	if user := session.Principal.IdentityOf(IdentityUser); user != nil {
		ev.User = user.Name
	}
	return ev
}

// compositePrincipal reuses an already-composite principal's identities and
// wraps a single identity otherwise.
func compositePrincipal(p *Principal) *Principal {
	out := &Principal{Claims: p.Claims}
	out.Identities = append(out.Identities, p.Identities...)
	return out
}

// derivePurpose extracts the purpose-of-use and the override flag from the
// claim and scope sets.
func derivePurpose(claims map[string]any, scopes []string) (string, bool) {
	purpose := ""
	if v, ok := claims[purposeClaim].(string); ok {
		purpose = v
	}
	override := false
	for _, s := range scopes {
		if s == overrideScope {
			override = true
		}
		if purpose == "" && strings.HasPrefix(s, "purpose:") {
			purpose = strings.TrimPrefix(s, "purpose:")
		}
	}
	if v, ok := claims[overrideScope].(bool); ok && v {
		override = true
	}
	return purpose, override
}

func kindOf(id *Identity) IdentityKind {
	if id == nil {
		return ""
	}
	return id.Kind
}

// handleSession returns the token-shaped view of the currently
// authenticated session, located by the bearer reference token.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	bearer := extractBearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		writeError(w, reqError(ErrInvalidRequest, "no authenticated session"))
		return
	}

	session, err := a.Sessions.LookupByToken(r.Context(), bearer)
	if err != nil || session == nil {
		writeError(w, reqError(ErrInvalidRequest, "no authenticated session"))
		return
	}

	req := &TokenRequest{
		requestState: requestState{
			TraceID:    RequestIDFromContext(r.Context()),
			RemoteAddr: remoteAddr(r),
			Session:    session,
		},
		ExtraClaims: make(map[string]any),
	}
	if app := session.Principal.IdentityOf(IdentityApplication); app != nil {
		req.Application = app
		req.ClientID = app.Name
	}
	req.Scopes = session.Scopes

	desc, err := a.Assembler.BuildDescriptor(r.Context(), req)
	if err != nil {
		a.Logger.Error("session descriptor", "error", err)
		writeError(w, asRequestError(err))
		return
	}
	req.Descriptor = desc
	if err := a.Assembler.MintTokens(req); err != nil {
		a.Logger.Error("session mint", "error", err)
		writeError(w, reqError(ErrUnspecified, "failed to mint tokens"))
		return
	}

	writeJSON(w, tokenResponseFrom(req))
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
