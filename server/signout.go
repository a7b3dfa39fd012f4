package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// idTokenLeeway absorbs clock skew when validating id_token_hint.
const idTokenLeeway = 5 * time.Second

// SignoutResponse reports the sessions terminated by a signout request.
type SignoutResponse struct {
	SessionsEnded []string `json:"sessions_ended,omitempty"`
}

func (a *App) handleSignout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, reqError(ErrInvalidRequest, "invalid form"))
		return
	}

	req := newSignoutRequest(r)
	ctx := r.Context()

	// An empty request is a no-op success.
	if req.IDTokenHint == "" && req.LogoutHint == "" && req.PostLogoutRedirectURI == "" {
		a.finishSignout(w, r, req)
		return
	}

	if req.IDTokenHint != "" {
		if !a.signoutByHint(ctx, req) {
			writeError(w, req.Err)
			return
		}
	} else {
		a.signoutByCookie(ctx, r, req)
	}

	a.finishSignout(w, r, req)
}

// signoutByHint validates the hint against the server's own signing keys,
// resolves the session named by its sid claim and abandons it.
func (a *App) signoutByHint(ctx context.Context, req *SignoutRequest) bool {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS512", "HS256"}),
		jwt.WithIssuer(a.Config.Issuer()),
		jwt.WithLeeway(idTokenLeeway),
		jwt.WithExpirationRequired(),
	}
	if req.ClientID != "" {
		opts = append(opts, jwt.WithAudience(req.ClientID))
	}

	token, err := jwt.ParseWithClaims(req.IDTokenHint, jwt.MapClaims{}, a.Keys.Keyfunc, opts...)
	if err != nil || !token.Valid {
		return req.fail(ErrInvalidRequest, "id_token_hint is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return req.fail(ErrInvalidRequest, "id_token_hint is not valid")
	}
	sid, _ := claims[claimSessionID].(string)
	if sid == "" {
		return req.fail(ErrInvalidRequest, "id_token_hint carries no session")
	}

	session := a.resolveSessionID(ctx, sid)
	if session == nil {
		return req.fail(ErrInvalidRequest, "session not found")
	}

	if _, err := a.Sessions.Authenticate(ctx, session); err != nil {
		return req.fail(ErrInvalidRequest, "session not valid")
	}
	if err := a.Glue.AbandonSession(ctx, session, req.RemoteAddr); err != nil {
		a.Logger.Error("abandon session", "error", err)
	}
	req.Abandoned = append(req.Abandoned, session)
	return true
}

// resolveSessionID interprets a sid claim as either a raw GUID or a
// base64-encoded reference token.
func (a *App) resolveSessionID(ctx context.Context, sid string) *Session {
	if id, err := uuid.Parse(sid); err == nil {
		if session, err := a.Sessions.Lookup(ctx, id[:]); err == nil && session != nil {
			return session
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(sid); err == nil {
		if session, err := a.Sessions.LookupByToken(ctx, string(raw)); err == nil && session != nil {
			return session
		}
	}
	return nil
}

// signoutByCookie terminates every active session of every user tracked by
// the SSO cookie. A decode failure is treated as no cookie; signout still
// succeeds as a no-op.
func (a *App) signoutByCookie(ctx context.Context, r *http.Request, req *SignoutRequest) {
	cookie := a.Cookies.Read(r)
	for _, user := range cookie.Users {
		identity, err := a.Users.Lookup(ctx, user)
		if err != nil || identity == nil {
			continue
		}
		sessions, err := a.Sessions.SessionsForUser(ctx, identity.Name)
		if err != nil {
			a.Logger.Warn("enumerate sessions", "user", identity.Name, "error", err)
			continue
		}
		for _, session := range sessions {
			if err := a.Glue.AbandonSession(ctx, session, req.RemoteAddr); err != nil {
				a.Logger.Error("abandon session", "error", err)
				continue
			}
			req.Abandoned = append(req.Abandoned, session)
		}
	}
}

func (a *App) finishSignout(w http.ResponseWriter, r *http.Request, req *SignoutRequest) {
	a.Cookies.Clear(w)

	if req.PostLogoutRedirectURI != "" {
		http.Redirect(w, r, req.PostLogoutRedirectURI, http.StatusFound)
		return
	}

	resp := SignoutResponse{}
	for _, session := range req.Abandoned {
		resp.SessionsEnded = append(resp.SessionsEnded, session.DisplayID())
	}
	writeJSON(w, resp)
}
