package auth

import "context"

// User is an identity handed down by a trusted reverse proxy. There is no
// account store: the proxy is the identity provider and every field here
// comes straight from a request header.
type User struct {
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
}

// Scope is the storage user-scope directory name for u. The zero value (no
// authenticated user) scopes to "", the default/anonymous scope.
func (u *User) Scope() string {
	if u == nil {
		return ""
	}
	return u.Username
}

type contextKey string

const userContextKey contextKey = "llmcouncil.user"

// WithUser returns a new context with u attached.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// CurrentUser extracts the user attached to ctx, if any.
func CurrentUser(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey).(*User)
	return u, ok && u != nil
}
