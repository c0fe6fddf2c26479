package handlers

import (
	"net/http"
	"strings"

	"github.com/yestoryd/coach-assistant/internal/conversation"
)

// IdentityProvider resolves who is making a request. Authentication happens in front of this service;
// the provider only reads the identity it established.
type IdentityProvider interface {
	Identify(r *http.Request) (conversation.Caller, bool)
}

// HeaderIdentity reads the caller's email from the X-User-Email header, falling back to the user_email
// cookie, and the role from X-User-Role. DefaultRole is used when no role is given.
type HeaderIdentity struct {
	DefaultRole string
}

// Identify implements IdentityProvider.
func (h HeaderIdentity) Identify(r *http.Request) (conversation.Caller, bool) {
	email := strings.TrimSpace(r.Header.Get("X-User-Email"))
	if email == "" {
		if c, err := r.Cookie("user_email"); err == nil {
			email = strings.TrimSpace(c.Value)
		}
	}
	if email == "" {
		return conversation.Caller{}, false
	}

	role := strings.TrimSpace(r.Header.Get("X-User-Role"))
	if role == "" {
		role = h.DefaultRole
	}
	return conversation.Caller{Email: email, Role: role}, true
}
