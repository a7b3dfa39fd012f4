package server

import (
	"net/http"
	"net/url"
	"strings"
)

// requestState carries the cross-cutting fields every endpoint context
// shares: resolved identities, the established session, the descriptor and
// minted tokens, and the error slot. A context is single-request-scoped and
// mutated only by the pipeline stage currently owning it.
type requestState struct {
	TraceID    string
	RemoteAddr string
	Form       url.Values

	Device               *Identity
	DevicePrincipal      *Principal
	Application          *Identity
	ApplicationPrincipal *Principal
	User                 *Identity
	UserPrincipal        *Principal

	Session    *Session
	Descriptor *TokenDescriptor

	AccessToken  string
	IDToken      string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Nonce        string

	Err *RequestError

	// clientSecret is the request-scoped side channel feeding the
	// symmetric-signing fallback. Never logged, never echoed.
	clientSecret string
}

func (s *requestState) fail(kind ErrorKind, description string) bool {
	s.Err = reqError(kind, description)
	return false
}

// TokenRequest is the context for POST /token.
type TokenRequest struct {
	requestState

	GrantType         string
	ClientID          string
	Scopes            []string
	Username          string
	Password          string
	SecondFactor      string
	Code              string
	CodeVerifier      string
	RefreshTokenValue string
	Challenge         string
	ChallengeResponse string
	Locale            string

	// ExtraClaims collects additional client-supplied claims from request
	// headers plus the injected language claim.
	ExtraClaims map[string]any
}

func newTokenRequest(r *http.Request) *TokenRequest {
	form := r.PostForm
	req := &TokenRequest{
		requestState: requestState{
			TraceID:    RequestIDFromContext(r.Context()),
			RemoteAddr: remoteAddr(r),
			Form:       form,
		},
		GrantType:         strings.ToLower(strings.TrimSpace(form.Get("grant_type"))),
		ClientID:          strings.TrimSpace(form.Get("client_id")),
		Scopes:            splitScopes(form.Get("scope")),
		Username:          strings.TrimSpace(form.Get("username")),
		Password:          form.Get("password"),
		SecondFactor:      strings.TrimSpace(form.Get("mfa_code")),
		Code:              strings.TrimSpace(form.Get("code")),
		CodeVerifier:      strings.TrimSpace(form.Get("code_verifier")),
		RefreshTokenValue: strings.TrimSpace(form.Get("refresh_token")),
		Challenge:         strings.TrimSpace(form.Get("challenge")),
		ChallengeResponse: form.Get("response"),
		Locale:            strings.TrimSpace(form.Get("ui_locale")),
		ExtraClaims:       make(map[string]any),
	}
	req.Nonce = strings.TrimSpace(form.Get("nonce"))
	req.clientSecret = form.Get("client_secret")
	return req
}

// AuthorizeRequest is the context for the interactive authorize endpoint.
type AuthorizeRequest struct {
	requestState

	ClientID            string
	ResponseType        string
	ResponseTypeSet     bool
	ResponseMode        string
	RedirectURI         string
	Scope               string
	State               string
	Prompt              string
	LoginHint           string
	Username            string
	Password            string
	CodeChallenge       string
	CodeChallengeMethod string

	// LoginError carries the generic re-prompt message after a failed
	// authentication attempt. It never reveals whether the username exists.
	LoginError string
}

func newAuthorizeRequest(r *http.Request) *AuthorizeRequest {
	form := r.Form
	_, typeSet := form["response_type"]
	req := &AuthorizeRequest{
		requestState: requestState{
			TraceID:    RequestIDFromContext(r.Context()),
			RemoteAddr: remoteAddr(r),
			Form:       form,
		},
		ClientID:            strings.TrimSpace(form.Get("client_id")),
		ResponseType:        strings.TrimSpace(form.Get("response_type")),
		ResponseTypeSet:     typeSet,
		ResponseMode:        strings.TrimSpace(form.Get("response_mode")),
		RedirectURI:         strings.TrimSpace(form.Get("redirect_uri")),
		Scope:               strings.TrimSpace(form.Get("scope")),
		State:               form.Get("state"),
		Prompt:              strings.TrimSpace(form.Get("prompt")),
		LoginHint:           strings.TrimSpace(form.Get("login_hint")),
		Username:            strings.TrimSpace(form.Get("username")),
		Password:            form.Get("password"),
		CodeChallenge:       strings.TrimSpace(form.Get("code_challenge")),
		CodeChallengeMethod: strings.TrimSpace(form.Get("code_challenge_method")),
	}
	req.Nonce = strings.TrimSpace(form.Get("nonce"))
	return req
}

// SessionRequest is the context for GET /session.
type SessionRequest struct {
	requestState
}

// SignoutRequest is the context for the signout endpoint.
type SignoutRequest struct {
	requestState

	IDTokenHint           string
	LogoutHint            string
	PostLogoutRedirectURI string
	ClientID              string

	// Abandoned records every session terminated by this request.
	Abandoned []*Session
}

func newSignoutRequest(r *http.Request) *SignoutRequest {
	form := r.Form
	return &SignoutRequest{
		requestState: requestState{
			TraceID:    RequestIDFromContext(r.Context()),
			RemoteAddr: remoteAddr(r),
			Form:       form,
		},
		IDTokenHint:           strings.TrimSpace(form.Get("id_token_hint")),
		LogoutHint:            strings.TrimSpace(form.Get("logout_hint")),
		PostLogoutRedirectURI: strings.TrimSpace(form.Get("post_logout_redirect_uri")),
		ClientID:              strings.TrimSpace(form.Get("client_id")),
	}
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

func remoteAddr(r *http.Request) string {
	if r == nil {
		return ""
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
