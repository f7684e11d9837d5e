// Package auth resolves connection identities from bearer credentials.
package auth

import (
	"net/http"
	"strings"
)

// Identity is the resolved (userId, role) pair attached to a connection.
// The zero value is the anonymous identity.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// Anonymous is carried by connections that presented no credential.
var Anonymous = Identity{}

func (i Identity) IsAnonymous() bool {
	return i.UserID == ""
}

// Resolver turns a credential into an Identity. An empty credential yields
// Anonymous and a nil error; an invalid one yields an error wrapping
// ErrAuthentication.
type Resolver interface {
	Resolve(credential string) (Identity, error)
}

// CredentialFromRequest extracts the bearer credential from the handshake,
// preferring an Authorization header of the form "Bearer <token>" over the
// token query parameter. Other schemes, and a Bearer header with no token,
// are not credentials for this server and are ignored.
func CredentialFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func bearerToken(h string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
