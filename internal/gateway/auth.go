package gateway

import (
	"context"
)

// User is the authenticated principal behind an agent session. ID is opaque
// to the gateway; it is only echoed back to Authorize.
type User struct {
	ID string
}

// Authenticator decides who may open sessions and which domain names they
// may claim. The gateway only sequences the calls; policy lives behind this
// interface.
type Authenticator interface {
	// Authenticate validates a login token and returns the user it
	// belongs to.
	Authenticate(ctx context.Context, token string) (*User, error)

	// Authorize reports whether the user may register the domain name.
	Authorize(ctx context.Context, userID, name string) (bool, error)
}

// AuthenticationError is a rejected login. It is reported to the agent as
// an error frame; the session ends without affecting other sessions.
type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string {
	return e.Msg
}

// AllowAll accepts every token and authorizes every domain name. The token
// "fail" is rejected, which keeps the failure path reachable in tests and
// demos.
type AllowAll struct{}

// Authenticate implements Authenticator.
func (AllowAll) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "fail" {
		return nil, &AuthenticationError{Msg: "invalid token"}
	}
	return &User{}, nil
}

// Authorize implements Authenticator.
func (AllowAll) Authorize(ctx context.Context, userID, name string) (bool, error) {
	return true, nil
}

var _ Authenticator = AllowAll{}
