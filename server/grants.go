package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Grant type identifiers accepted by the token endpoint.
const (
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantChallenge         = "x_challenge"
)

// GrantHandler processes one grant type. On success it must have populated
// a user or application principal and either assigned the session directly
// or left it nil to delegate establishment back to the token endpoint. On
// failure it sets the error slot and returns false.
type GrantHandler interface {
	HandleRequest(ctx context.Context, req *TokenRequest) bool
}

// GrantRegistry maps normalized grant-type strings to handlers. It is built
// once at startup and read-only afterwards.
type GrantRegistry struct {
	handlers map[string]GrantHandler
	logger   *slog.Logger
}

// NewGrantRegistry constructs an empty registry.
func NewGrantRegistry(logger *slog.Logger) *GrantRegistry {
	return &GrantRegistry{handlers: make(map[string]GrantHandler), logger: logger}
}

// Register binds a handler to a grant type. A second handler claiming the
// same grant type is a configuration error: the first registration wins and
// the collision is logged.
func (g *GrantRegistry) Register(grantType string, h GrantHandler) {
	key := strings.ToLower(strings.TrimSpace(grantType))
	if _, exists := g.handlers[key]; exists {
		g.logger.Warn("duplicate grant handler dropped", "grant_type", key)
		return
	}
	g.handlers[key] = h
}

// Lookup resolves a handler case-insensitively.
func (g *GrantRegistry) Lookup(grantType string) (GrantHandler, bool) {
	h, ok := g.handlers[strings.ToLower(strings.TrimSpace(grantType))]
	return h, ok
}

// grantDeps bundles the collaborators every handler draws on.
type grantDeps struct {
	cfg        Config
	users      UserDirectory
	apps       ApplicationDirectory
	challenges ChallengeAuthenticator
	policy     PolicyService
	sessions   SessionProvider
	codes      *CodeCodec
	now        func() time.Time
	logger     *slog.Logger
}

// demandFlow demands the device-scoped policy when a device principal is
// present (against both the application and device principals), otherwise
// the device-less variant against the application principal alone.
func (d *grantDeps) demandFlow(ctx context.Context, req *TokenRequest, withDevice, withoutDevice Policy) error {
	if req.DevicePrincipal != nil {
		if err := d.policy.Demand(ctx, withDevice, req.ApplicationPrincipal); err != nil {
			return err
		}
		return d.policy.Demand(ctx, withDevice, req.DevicePrincipal)
	}
	return d.policy.Demand(ctx, withoutDevice, req.ApplicationPrincipal)
}

// passwordGrant implements the resource-owner password flow.
type passwordGrant struct {
	*grantDeps
}

func (h *passwordGrant) HandleRequest(ctx context.Context, req *TokenRequest) bool {
	if req.Username == "" {
		return req.fail(ErrInvalidRequest, "username is required")
	}

	if err := h.demandFlow(ctx, req, PolicyPasswordFlow, PolicyPasswordFlowNoDevice); err != nil {
		return req.fail(ErrUnauthorizedClient, err.Error())
	}

	principal, err := h.users.Authenticate(ctx, req.Username, req.Password, req.SecondFactor)
	if err != nil {
		req.Err = asRequestError(err)
		if req.Err.Kind == ErrUnspecified {
			req.Err = reqError(ErrInvalidGrant, err.Error())
		}
		return false
	}

	req.UserPrincipal = principal
	req.User = principal.Primary()
	return true
}

// clientCredentialsGrant implements machine-to-machine token issuance.
type clientCredentialsGrant struct {
	*grantDeps
}

func (h *clientCredentialsGrant) HandleRequest(ctx context.Context, req *TokenRequest) bool {
	if req.ClientID == "" {
		return req.fail(ErrInvalidRequest, "client_id is required")
	}
	if req.ApplicationPrincipal == nil {
		return req.fail(ErrInvalidClient, "client authentication required")
	}

	if err := h.demandFlow(ctx, req, PolicyClientCredentialFlow, PolicyClientCredentialNoDevice); err != nil {
		return req.fail(ErrUnauthorizedClient, err.Error())
	}

	if req.DevicePrincipal == nil && !h.cfg.Tokens.AllowClientOnly {
		return req.fail(ErrUnauthorizedClient, "client-only grants are not enabled")
	}

	return true
}

// authorizationCodeGrant redeems a stateless authorization code.
type authorizationCodeGrant struct {
	*grantDeps
}

func (h *authorizationCodeGrant) HandleRequest(ctx context.Context, req *TokenRequest) bool {
	if req.Code == "" {
		return req.fail(ErrInvalidRequest, "code is required")
	}

	code := h.codes.Decode(req.Code)
	if code == nil {
		return req.fail(ErrInvalidGrant, "code invalid")
	}
	if err := h.codes.Validate(code, h.now(), req.Device, req.Application); err != nil {
		return req.fail(ErrInvalidGrant, err.Error())
	}

	if code.CodeChallenge != "" {
		if !verifyCodeChallenge(code, req.CodeVerifier) {
			return req.fail(ErrInvalidGrant, "code verifier mismatch")
		}
	}

	if err := h.demandFlow(ctx, req, PolicyCodeFlow, PolicyCodeFlowNoDevice); err != nil {
		return req.fail(ErrUnauthorizedClient, err.Error())
	}

	user, err := h.users.Lookup(ctx, code.UserID)
	if err != nil || user == nil {
		return req.fail(ErrInvalidGrant, "code subject unknown")
	}

	req.User = user
	req.UserPrincipal = &Principal{Identities: []*Identity{user}, Claims: user.Claims}
	req.Nonce = code.Nonce
	if len(req.Scopes) == 0 {
		req.Scopes = splitScopes(code.Scope)
	}
	return true
}

// refreshTokenGrant extends an existing session.
type refreshTokenGrant struct {
	*grantDeps
}

func (h *refreshTokenGrant) HandleRequest(ctx context.Context, req *TokenRequest) bool {
	if req.RefreshTokenValue == "" {
		return req.fail(ErrInvalidRequest, "refresh_token is required")
	}
	if req.Application == nil {
		return req.fail(ErrInvalidClient, "client authentication required")
	}

	session, err := h.sessions.Extend(ctx, req.RefreshTokenValue)
	if err != nil || session == nil {
		return req.fail(ErrInvalidGrant, "refresh token invalid or expired")
	}

	// A session extended for a different application is refresh-token
	// replay across applications: abandon it so it cannot be used again.
	if session.ApplicationName != req.Application.Name {
		if err := h.sessions.Abandon(ctx, session); err != nil {
			h.logger.Error("abandon replayed session", "error", err)
		}
		return req.fail(ErrInvalidClient, "refresh token application mismatch")
	}

	req.Session = session
	return true
}

// challengeGrant implements the password-reset exchange.
type challengeGrant struct {
	*grantDeps
}

func (h *challengeGrant) HandleRequest(ctx context.Context, req *TokenRequest) bool {
	if req.Username == "" {
		return req.fail(ErrInvalidRequest, "username is required")
	}
	challengeID, err := uuid.Parse(req.Challenge)
	if err != nil {
		return req.fail(ErrInvalidRequest, "challenge must be a UUID")
	}
	if req.ChallengeResponse == "" {
		return req.fail(ErrInvalidRequest, "response is required")
	}

	// A user resetting a password may not be granted broader access in the
	// same exchange.
	req.Scopes = []string{h.cfg.Tokens.LoginScope}

	principal, err := h.challenges.Authenticate(ctx, req.Username, challengeID, req.ChallengeResponse)
	if err != nil {
		req.Err = asRequestError(err)
		if req.Err.Kind == ErrUnspecified {
			req.Err = reqError(ErrInvalidGrant, err.Error())
		}
		return false
	}
	req.UserPrincipal = principal
	req.User = principal.Primary()

	if req.ApplicationPrincipal == nil && req.ClientID != "" {
		appPrincipal, err := h.apps.AuthenticateFor(ctx, req.ClientID, principal)
		if err != nil {
			return req.fail(ErrInvalidClient, "unknown application")
		}
		req.ApplicationPrincipal = appPrincipal
		req.Application = appPrincipal.IdentityOf(IdentityApplication)
	}

	if err := h.demandFlow(ctx, req, PolicyPasswordResetFlow, PolicyPasswordResetFlowNoDevice); err != nil {
		return req.fail(ErrUnauthorizedClient, err.Error())
	}

	return true
}

func verifyCodeChallenge(code *AuthorizationCode, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch code.CodeChallengeMethod {
	case "", "plain":
		return verifier == code.CodeChallenge
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]) == code.CodeChallenge
	default:
		return false
	}
}
