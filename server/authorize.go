package server

import (
	"html/template"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Response modes with a registered renderer.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// ResponseRenderer returns the issued code to the client in one of the
// registered response modes. All renders are terminal.
type ResponseRenderer interface {
	Render(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, code string) error
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, reqError(ErrInvalidRequest, "invalid form"))
		return
	}

	req := newAuthorizeRequest(r)
	ctx := r.Context()

	// Validation failures are terminal and returned as structured errors,
	// never as redirects.
	if !a.validateAuthorize(req) {
		a.Logger.Warn("authorize rejected", "client_id", req.ClientID, "error", req.Err.Kind)
		req.Err.State = req.State
		writeError(w, req.Err)
		return
	}

	if p := DevicePrincipalFromContext(ctx); p != nil {
		req.DevicePrincipal = p
		req.Device = p.IdentityOf(IdentityDevice)
		if err := a.Policy.Demand(ctx, PolicyCodeFlow, p); err != nil {
			req.Err = reqError(ErrUnauthorizedClient, err.Error())
			req.Err.State = req.State
			writeError(w, req.Err)
			return
		}
	}

	application, err := a.Apps.Lookup(ctx, req.ClientID)
	if err != nil || application == nil || application.Name == a.Config.Server.SystemApplication {
		req.Err = reqError(ErrInvalidClient, "unknown client")
		req.Err.State = req.State
		writeError(w, req.Err)
		return
	}
	req.Application = application

	if req.Username != "" {
		a.attemptLogin(w, r, req)
		return
	}

	a.renderLogin(w, req)
}

// validateAuthorize runs the ordered request validation. response_type is
// defaulted to code only when entirely absent; an explicit non-code value
// is unsupported. response_mode is defaulted by response type and must
// match a registered renderer.
func (a *App) validateAuthorize(req *AuthorizeRequest) bool {
	if req.ClientID == "" {
		return req.fail(ErrInvalidRequest, "client_id is required")
	}

	if !req.ResponseTypeSet {
		req.ResponseType = "code"
	}
	if req.ResponseType != "code" {
		return req.fail(ErrUnsupportedResponseType, "only the code response type is supported")
	}

	if req.ResponseMode == "" {
		switch req.ResponseType {
		case "token":
			req.ResponseMode = ResponseModeFragment
		default:
			req.ResponseMode = ResponseModeQuery
		}
	}
	if _, ok := a.Renderers[req.ResponseMode]; !ok {
		return req.fail(ErrUnsupportedResponseMode, "response mode not supported")
	}

	return true
}

// attemptLogin authenticates the resource owner, issues a code, updates the
// SSO cookie and renders the response. Authentication failures re-render
// the login surface with a generic message; they never reveal whether the
// username exists.
func (a *App) attemptLogin(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest) {
	principal, err := a.Users.Authenticate(r.Context(), req.Username, req.Password, "")
	if err != nil {
		a.Logger.Info("interactive login failed", "client_id", req.ClientID)
		req.LoginError = "The username or password is incorrect."
		a.renderLogin(w, req)
		return
	}
	req.UserPrincipal = principal
	req.User = principal.Primary()

	code := AuthorizationCode{
		IssuedAt:            time.Now(),
		ClientID:            req.Application.Name,
		UserID:              req.User.Name,
		Nonce:               req.Nonce,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	if req.Device != nil {
		code.DeviceID = req.Device.Name
	}

	encoded, err := a.Codes.Encode(code)
	if err != nil {
		a.Logger.Error("encode authorization code", "error", err)
		writeError(w, reqError(ErrUnspecified, "failed to issue code"))
		return
	}

	cookie := a.Cookies.Read(r)
	cookie = a.Cookies.Append(cookie, req.User.Name)
	if err := a.Cookies.Write(w, cookie); err != nil {
		a.Logger.Error("write sso cookie", "error", err)
	}

	renderer := a.Renderers[req.ResponseMode]
	if err := renderer.Render(w, r, req, encoded); err != nil {
		a.Logger.Error("render authorize response", "mode", req.ResponseMode, "error", err)
		writeError(w, reqError(ErrUnspecified, "failed to render response"))
	}
}

func (a *App) renderLogin(w http.ResponseWriter, req *AuthorizeRequest) {
	view := LoginView{
		ClientID:     req.ClientID,
		Scope:        req.Scope,
		State:        req.State,
		Nonce:        req.Nonce,
		ResponseMode: req.ResponseMode,
		RedirectURI:  req.RedirectURI,
		LoginHint:    req.LoginHint,
		ErrorMessage: req.LoginError,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.Login.RenderLogin(w, view); err != nil {
		a.Logger.Error("render login surface", "error", err)
	}
}

// queryRenderer redirects with the code in the query string.
type queryRenderer struct{}

func (queryRenderer) Render(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, code string) error {
	target, err := redirectWith(req.RedirectURI, req.State, code, false)
	if err != nil {
		return err
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// fragmentRenderer redirects with the code in the URI fragment.
type fragmentRenderer struct{}

func (fragmentRenderer) Render(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, code string) error {
	target, err := redirectWith(req.RedirectURI, req.State, code, true)
	if err != nil {
		return err
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func redirectWith(redirectURI, state, code string, fragment bool) (string, error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	values := url.Values{}
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	if fragment {
		target.Fragment = ""
		return target.String() + "#" + values.Encode(), nil
	}
	q := target.Query()
	for k, v := range values {
		q[k] = v
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

// formPostRenderer returns an auto-submitting HTML form posting the code
// and state to the redirect URI.
type formPostRenderer struct{}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit This Form</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.RedirectURI}}">
<input type="hidden" name="code" value="{{.Code}}"/>
{{if .State}}<input type="hidden" name="state" value="{{.State}}"/>{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

func (formPostRenderer) Render(w http.ResponseWriter, _ *http.Request, req *AuthorizeRequest, code string) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	return formPostTemplate.Execute(w, struct {
		RedirectURI string
		Code        string
		State       string
	}{req.RedirectURI, code, req.State})
}

// defaultLoginRenderer backs dev mode; the production surface is rendered
// by the excluded asset pipeline.
func defaultLoginRenderer() LoginRenderer {
	return builtinLogin{}
}

type builtinLogin struct{}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
{{if .ErrorMessage}}<p class="error">{{.ErrorMessage}}</p>{{end}}
<form method="post">
<input type="hidden" name="client_id" value="{{.ClientID}}"/>
<input type="hidden" name="scope" value="{{.Scope}}"/>
<input type="hidden" name="state" value="{{.State}}"/>
<input type="hidden" name="nonce" value="{{.Nonce}}"/>
<input type="hidden" name="response_mode" value="{{.ResponseMode}}"/>
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}"/>
<label>Username <input type="text" name="username" value="{{.LoginHint}}"/></label>
<label>Password <input type="password" name="password"/></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

func (builtinLogin) RenderLogin(w io.Writer, view LoginView) error {
	return loginTemplate.Execute(w, view)
}
