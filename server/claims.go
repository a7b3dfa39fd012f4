package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Well-known claim names used in minted tokens.
const (
	claimName       = "name"
	claimActor      = "act"
	claimSubject    = "sub"
	claimUserID     = "user_id"
	claimClientID   = "client_id"
	claimDeviceID   = "device_id"
	claimSessionID  = "sid"
	claimNonce      = "nonce"
	claimAccessHash = "at_hash"
	claimJWTID      = "jti"
	claimRoles      = "roles"
	claimScope      = "scope"
	claimLanguage   = "locale"
)

// TokenDescriptor is the signable description of a token to be minted.
type TokenDescriptor struct {
	Claims     map[string]any
	NotBefore  time.Time
	Expires    time.Time
	IssuedAt   time.Time
	Audience   string
	Issuer     string
	Credential *SigningCredential
}

// ClaimMapper contributes externally sourced claims to the initial claim
// bag before the assembler's own claims are applied.
type ClaimMapper interface {
	Map(source map[string]any, claims map[string]any)
}

// ClaimMapperRegistry is the explicit, construction-time registry of
// external claim mappers. It replaces process-wide lookup: build it once,
// inject it, never mutate it after startup.
type ClaimMapperRegistry struct {
	mappers []ClaimMapper
}

// NewClaimMapperRegistry constructs an empty registry.
func NewClaimMapperRegistry() *ClaimMapperRegistry {
	return &ClaimMapperRegistry{}
}

// Register appends a mapper. Call only during startup wiring.
func (r *ClaimMapperRegistry) Register(m ClaimMapper) {
	r.mappers = append(r.mappers, m)
}

// Apply runs every mapper over the source claims. Nested map-valued claims
// are merged, not replaced.
func (r *ClaimMapperRegistry) Apply(source, claims map[string]any) {
	for _, m := range r.mappers {
		staged := make(map[string]any)
		m.Map(source, staged)
		for k, v := range staged {
			mergeClaim(claims, k, v)
		}
	}
}

func mergeClaim(claims map[string]any, key string, value any) {
	nested, ok := value.(map[string]any)
	if !ok {
		claims[key] = value
		return
	}
	existing, ok := claims[key].(map[string]any)
	if !ok {
		claims[key] = nested
		return
	}
	for k, v := range nested {
		existing[k] = v
	}
}

// TokenAssembler maps an established session's principal into a claim set,
// builds the signable descriptor and mints the token strings.
type TokenAssembler struct {
	cfg      Config
	keys     *KeyMaterial
	mappers  *ClaimMapperRegistry
	roles    RoleProvider
	sessions SessionProvider
	logger   *slog.Logger
}

// NewTokenAssembler wires the assembler with its collaborators.
func NewTokenAssembler(cfg Config, keys *KeyMaterial, mappers *ClaimMapperRegistry, roles RoleProvider, sessions SessionProvider, logger *slog.Logger) *TokenAssembler {
	if mappers == nil {
		mappers = &ClaimMapperRegistry{}
	}
	return &TokenAssembler{
		cfg:      cfg,
		keys:     keys,
		mappers:  mappers,
		roles:    roles,
		sessions: sessions,
		logger:   logger,
	}
}

// BuildDescriptor authenticates the session's principal and assembles the
// signable descriptor for the token request.
func (ta *TokenAssembler) BuildDescriptor(ctx context.Context, req *TokenRequest) (*TokenDescriptor, error) {
	if req.Session == nil {
		return nil, errors.New("no session established")
	}

	principal, err := ta.sessions.Authenticate(ctx, req.Session)
	if err != nil {
		return nil, fmt.Errorf("authenticate session principal: %w", err)
	}

	user := req.User
	if user == nil {
		user = principal.IdentityOf(IdentityUser)
	}
	application := req.Application
	if application == nil {
		application = principal.IdentityOf(IdentityApplication)
	}
	device := req.Device
	if device == nil {
		device = principal.IdentityOf(IdentityDevice)
	}

	claims := make(map[string]any)
	ta.mappers.Apply(principal.Claims, claims)
	for k, v := range req.ExtraClaims {
		mergeClaim(claims, k, v)
	}

	primary := principal.Primary()
	if primary == nil {
		return nil, errors.New("session principal has no identity")
	}

	claims[claimName] = primary.Name
	if actor, ok := primary.Claims[claimActor]; ok {
		claims[claimActor] = actor
	}
	if primary.SecurityID != "" {
		claims[claimSubject] = primary.SecurityID
	} else {
		claims[claimSubject] = primary.Name
	}
	if user != nil {
		claims[claimUserID] = user.Name
	}
	if application != nil {
		claims[claimClientID] = application.Name
	}
	if device != nil {
		claims[claimDeviceID] = device.Name
	}

	claims[claimSessionID] = req.Session.DisplayID()
	if req.Nonce != "" {
		claims[claimNonce] = req.Nonce
	}
	if req.Session.ReferenceToken != "" {
		claims[claimAccessHash] = truncatedHash(req.Session.ReferenceToken)
	}
	claims[claimJWTID] = ta.tokenID(req, primary, user, application, device)

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = req.Session.Scopes
	}
	if len(scopes) > 0 {
		claims[claimScope] = strings.Join(ta.abbreviateScopes(scopes), " ")
	}

	if _, present := claims[claimRoles]; !present && ta.roles != nil {
		roles, err := ta.roles.Roles(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("resolve roles: %w", err)
		}
		if len(roles) > 0 {
			claims[claimRoles] = roles
		}
	}

	audience := req.ClientID
	if application != nil {
		audience = application.Name
	}

	cred, err := ta.selectCredential(req, application)
	if err != nil {
		return nil, err
	}

	return &TokenDescriptor{
		Claims:     claims,
		NotBefore:  req.Session.NotBefore,
		Expires:    req.Session.NotAfter,
		IssuedAt:   time.Now().UTC(),
		Audience:   audience,
		Issuer:     ta.cfg.Issuer(),
		Credential: cred,
	}, nil
}

// selectCredential walks the signing fallback chain: the application-scoped
// key name, then the default key, and finally a symmetric key derived from
// the request's client secret. Missing all three is a configuration error.
func (ta *TokenAssembler) selectCredential(req *TokenRequest, application *Identity) (*SigningCredential, error) {
	var appKey string
	if application != nil {
		appKey = ta.cfg.Tokens.AppKeys[application.Name]
	}
	if cred := ta.keys.CreateSigningCredentials(appKey, ta.cfg.Tokens.DefaultKey); cred != nil {
		return cred, nil
	}
	name := req.ClientID
	if application != nil {
		name = application.Name
	}
	if cred := ta.keys.SymmetricFromSecret(name, req.clientSecret); cred != nil {
		ta.logger.Warn("falling back to application-secret signing", "application", name)
		return cred, nil
	}
	return nil, errors.New("no signing credential available: configure a signature or a client secret")
}

// MintTokens signs the descriptor and fills the token fields on the request.
func (ta *TokenAssembler) MintTokens(req *TokenRequest) error {
	desc := req.Descriptor
	if desc == nil || desc.Credential == nil {
		return errors.New("no token descriptor built")
	}

	signed, err := signDescriptor(desc)
	if err != nil {
		return err
	}

	req.IDToken = signed
	req.TokenType = ta.cfg.Tokens.TokenType
	req.ExpiresIn = int64(time.Until(req.Session.NotAfter).Seconds())
	req.RefreshToken = req.Session.RefreshToken

	if strings.EqualFold(ta.cfg.Tokens.TokenType, "Bearer") && req.Session.ReferenceToken != "" {
		req.AccessToken = req.Session.ReferenceToken
	} else {
		req.AccessToken = signed
	}
	return nil
}

func signDescriptor(desc *TokenDescriptor) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, v := range desc.Claims {
		mapClaims[k] = v
	}
	mapClaims["iss"] = desc.Issuer
	mapClaims["aud"] = desc.Audience
	mapClaims["nbf"] = jwt.NewNumericDate(desc.NotBefore)
	mapClaims["exp"] = jwt.NewNumericDate(desc.Expires)
	mapClaims["iat"] = jwt.NewNumericDate(desc.IssuedAt)

	token := jwt.NewWithClaims(desc.Credential.Method, mapClaims)
	token.Header["kid"] = desc.Credential.KeyID
	return token.SignedString(desc.Credential.Key)
}

// tokenID hashes the identity names, session id, nonce, current time and
// trace id so two otherwise-identical claim sets still get distinct ids.
func (ta *TokenAssembler) tokenID(req *TokenRequest, primary, user, application, device *Identity) string {
	var b strings.Builder
	b.WriteString(primary.Name)
	for _, id := range []*Identity{user, application, device} {
		if id != nil {
			b.WriteString("|")
			b.WriteString(id.Name)
		}
	}
	b.WriteString("|")
	b.WriteString(req.Session.DisplayID())
	b.WriteString("|")
	b.WriteString(req.Nonce)
	b.WriteString("|")
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteString("|")
	b.WriteString(req.TraceID)
	sum := sha256.Sum256([]byte(b.String()))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// abbreviateScopes shortens scope values carrying the unrestricted-all
// prefix when one is configured.
func (ta *TokenAssembler) abbreviateScopes(scopes []string) []string {
	prefix := ta.cfg.Tokens.UnrestrictedPrefix
	if prefix == "" {
		return scopes
	}
	out := make([]string, len(scopes))
	for i, s := range scopes {
		if strings.HasPrefix(s, prefix) {
			out[i] = prefix + "*"
		} else {
			out[i] = s
		}
	}
	return out
}

// truncatedHash is the standard access-token hash: the left half of the
// SHA-256 digest, base64url encoded.
func truncatedHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

func tokenResponseFrom(req *TokenRequest) TokenResponse {
	return TokenResponse{
		AccessToken:  req.AccessToken,
		IDToken:      req.IDToken,
		TokenType:    req.TokenType,
		ExpiresIn:    req.ExpiresIn,
		RefreshToken: req.RefreshToken,
		Nonce:        req.Nonce,
	}
}
