package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// claimHeaderPrefix marks request headers carrying additional
// client-supplied claims for the token request.
const claimHeaderPrefix = "X-Auth-Claim-"

// Collaborators bundles the external services the core consumes. Every
// field is an interface; dev mode wires the in-memory implementations, real
// deployments supply their own.
type Collaborators struct {
	Users      UserDirectory
	Apps       ApplicationDirectory
	Challenges ChallengeAuthenticator
	Roles      RoleProvider
	Policy     PolicyService
	Sessions   SessionProvider
	Audit      AuditSink
	Login      LoginRenderer
	Mappers    *ClaimMapperRegistry
}

// App is the long-lived server behaviour object shared across requests.
// All of its mutable state is confined to build-once-at-startup maps.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Keys      *KeyMaterial
	Codes     *CodeCodec
	Cookies   *CookieCodec
	Grants    *GrantRegistry
	Renderers map[string]ResponseRenderer
	Assembler *TokenAssembler
	Glue      *SessionGlue

	Users      UserDirectory
	Apps       ApplicationDirectory
	Challenges ChallengeAuthenticator
	Policy     PolicyService
	Sessions   SessionProvider
	Audit      AuditSink
	Login      LoginRenderer
}

// NewApp wires the application state from configuration and collaborators.
func NewApp(cfg Config, collab Collaborators, logger *slog.Logger) (*App, error) {
	if collab.Users == nil || collab.Apps == nil || collab.Sessions == nil || collab.Policy == nil || collab.Audit == nil {
		return nil, errors.New("user, application, session, policy and audit collaborators are required")
	}

	secret := cfg.Cookie.Secret
	if secret == "" && cfg.Server.DevMode {
		secret = "dev-mode-insecure-secret"
		logger.Warn("using ephemeral dev blob secret; codes and cookies will not survive restarts across instances")
	}
	cfg.Cookie.Secret = secret

	keys, err := LoadKeyMaterial(cfg.Signatures, cfg.SystemCertificates, logger)
	if err != nil {
		return nil, err
	}

	codes, err := NewCodeCodec(secret, time.Duration(cfg.Tokens.CodeTTL))
	if err != nil {
		return nil, err
	}
	cookies, err := NewCookieCodec(cfg.Cookie, cfg.Server.CookieDomain, !cfg.Server.DevMode)
	if err != nil {
		return nil, err
	}

	if collab.Login == nil {
		collab.Login = defaultLoginRenderer()
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Keys:       keys,
		Codes:      codes,
		Cookies:    cookies,
		Users:      collab.Users,
		Apps:       collab.Apps,
		Challenges: collab.Challenges,
		Policy:     collab.Policy,
		Sessions:   collab.Sessions,
		Audit:      collab.Audit,
		Login:      collab.Login,
	}

	a.Assembler = NewTokenAssembler(cfg, keys, collab.Mappers, collab.Roles, collab.Sessions, logger)
	a.Glue = NewSessionGlue(collab.Sessions, collab.Audit, logger)

	deps := &grantDeps{
		cfg:        cfg,
		users:      collab.Users,
		apps:       collab.Apps,
		challenges: collab.Challenges,
		policy:     collab.Policy,
		sessions:   collab.Sessions,
		codes:      codes,
		now:        time.Now,
		logger:     logger,
	}

	a.Grants = NewGrantRegistry(logger)
	a.Grants.Register(GrantPassword, &passwordGrant{deps})
	a.Grants.Register(GrantClientCredentials, &clientCredentialsGrant{deps})
	a.Grants.Register(GrantAuthorizationCode, &authorizationCodeGrant{deps})
	a.Grants.Register(GrantRefreshToken, &refreshTokenGrant{deps})
	a.Grants.Register(GrantChallenge, &challengeGrant{deps})

	a.Renderers = map[string]ResponseRenderer{
		ResponseModeQuery:    queryRenderer{},
		ResponseModeFragment: fragmentRenderer{},
		ResponseModeFormPost: formPostRenderer{},
	}

	return a, nil
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || len(r.PostForm) == 0 {
		writeError(w, reqError(ErrInvalidRequest, "empty or malformed form body"))
		return
	}

	req := newTokenRequest(r)
	ctx := r.Context()

	handler, ok := a.Grants.Lookup(req.GrantType)
	if !ok {
		writeError(w, reqError(ErrUnsupportedGrantType, "grant type not supported"))
		return
	}

	a.resolveDeviceIdentity(ctx, req)
	if !a.resolveApplication(ctx, req, r) {
		writeError(w, req.Err)
		return
	}

	a.collectExtraClaims(req, r)

	if !handler.HandleRequest(ctx, req) {
		if req.Err == nil {
			req.Err = reqError(ErrUnspecified, "grant handler failed")
		}
		a.Logger.Warn("grant rejected", "grant_type", req.GrantType, "error", req.Err.Kind)
		writeError(w, req.Err)
		return
	}

	if req.Session == nil {
		if !a.establishSession(ctx, req) {
			writeError(w, req.Err)
			return
		}
	}

	desc, err := a.Assembler.BuildDescriptor(ctx, req)
	if err != nil {
		a.renderTokenFault(w, req, err)
		return
	}
	req.Descriptor = desc

	if err := a.Assembler.MintTokens(req); err != nil {
		a.renderTokenFault(w, req, err)
		return
	}

	writeJSON(w, tokenResponseFrom(req))
}

// renderTokenFault translates the missing-claim classification into its
// structured error; everything else reaches the fault-rendering boundary.
func (a *App) renderTokenFault(w http.ResponseWriter, req *TokenRequest, err error) {
	var mc *MissingClaimError
	if errors.As(err, &mc) {
		writeError(w, &RequestError{
			Kind:        ErrMissingClaim,
			Description: mc.Error(),
			Data:        map[string]any{"claim": mc.Claim},
		})
		return
	}
	a.Logger.Error("token issuance fault", "grant_type", req.GrantType, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"unspecified_error","error_description":"internal error"}`))
}

// resolveDeviceIdentity copies a device principal placed in the request
// context by the authentication middleware, if any.
func (a *App) resolveDeviceIdentity(ctx context.Context, req *TokenRequest) {
	if p := DevicePrincipalFromContext(ctx); p != nil {
		req.DevicePrincipal = p
		req.Device = p.IdentityOf(IdentityDevice)
	}
}

// resolveApplication resolves the calling application: from a principal the
// middleware already authenticated, or by authenticating the client_id and
// client_secret pair (form fields or basic auth).
func (a *App) resolveApplication(ctx context.Context, req *TokenRequest, r *http.Request) bool {
	if p := ApplicationPrincipalFromContext(ctx); p != nil {
		req.ApplicationPrincipal = p
		req.Application = p.IdentityOf(IdentityApplication)
		if req.ClientID == "" && req.Application != nil {
			req.ClientID = req.Application.Name
		}
		return true
	}

	clientID, clientSecret := req.ClientID, req.clientSecret
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
		req.ClientID = id
		req.clientSecret = secret
	}
	if clientID == "" || clientSecret == "" {
		// Without a full credential pair the request proceeds with no
		// application principal. Grants that require one reject it
		// themselves; the password-reset exchange resolves the
		// application on behalf of the authenticated user instead.
		return true
	}

	principal, err := a.Apps.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return req.fail(ErrInvalidClient, "client authentication failed")
	}
	req.ApplicationPrincipal = principal
	req.Application = principal.IdentityOf(IdentityApplication)
	return true
}

// collectExtraClaims gathers additional client-supplied claims from request
// headers and injects a language claim from the locale form field when not
// already present.
func (a *App) collectExtraClaims(req *TokenRequest, r *http.Request) {
	for name, values := range r.Header {
		if !strings.HasPrefix(name, claimHeaderPrefix) || len(values) == 0 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, claimHeaderPrefix))
		if key == "" {
			continue
		}
		if len(values) == 1 {
			req.ExtraClaims[key] = values[0]
		} else {
			req.ExtraClaims[key] = values
		}
	}
	if req.Locale != "" {
		if _, present := req.ExtraClaims[claimLanguage]; !present {
			req.ExtraClaims[claimLanguage] = req.Locale
		}
	}
}

// establishSession performs the delegated establishment: the user-session
// path when a user principal exists, the client-only path otherwise.
func (a *App) establishSession(ctx context.Context, req *TokenRequest) bool {
	var (
		session *Session
		err     error
	)
	switch {
	case req.UserPrincipal != nil:
		session, err = a.Glue.EstablishUserSession(ctx, req.UserPrincipal, req.Application, req.Device, req.Scopes, req.ExtraClaims, req.RemoteAddr)
	case req.ApplicationPrincipal != nil:
		session, err = a.Glue.EstablishClientSession(ctx, req.ApplicationPrincipal, req.DevicePrincipal, req.Scopes, req.RemoteAddr)
	default:
		return req.fail(ErrUnspecified, "grant handler produced no principal")
	}

	if err != nil || session == nil {
		a.Logger.Error("session establishment failed", "grant_type", req.GrantType, "error", err)
		return req.fail(ErrUnspecified, "failed to establish session")
	}
	req.Session = session
	return true
}
