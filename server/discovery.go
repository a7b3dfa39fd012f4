package server

import "net/http"

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the OIDC discovery document.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"end_session_endpoint":                  issuer + "/signout",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost},
		"grant_types_supported":                 []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials, GrantPassword, GrantChallenge},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"id_token_signing_alg_values_supported": []string{"RS256", "RS512", "HS256"},
	}
}

func (a *App) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.Keys.PublishableKeySet())
}

// handleUserInfo returns the claims of the current bearer session.
func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := extractBearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	session, err := a.Sessions.LookupByToken(r.Context(), bearer)
	if err != nil || session == nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	principal, err := a.Sessions.Authenticate(r.Context(), session)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	primary := principal.Primary()
	resp := map[string]any{
		"sub": primary.SecurityID,
	}
	if resp["sub"] == "" {
		resp["sub"] = primary.Name
	}
	resp["name"] = primary.Name
	resp["sid"] = session.DisplayID()
	for k, v := range principal.Claims {
		if _, reserved := resp[k]; !reserved {
			resp[k] = v
		}
	}

	writeJSON(w, resp)
}
