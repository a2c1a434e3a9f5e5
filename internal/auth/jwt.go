// Package auth validates the bearer tokens issued by the REST backend.
package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	RoleCustomer = "customer"
	RoleDriver   = "driver"
	RoleAdmin    = "admin"
	// RoleService marks backend services allowed to push events.
	RoleService = "service"
)

// Identity is the authenticated caller behind a token.
type Identity struct {
	UserID string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

func (i Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

// AuthError is returned when a token is missing, malformed or expired. It is
// fatal for the connection attempt that presented it.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Authenticator validates a token and returns the identity it carries.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	Roles []string `json:"roles"`
	Type  string   `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 access tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator builds an authenticator; issuer is checked when set.
func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must be provided")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}, nil
}

// AuthenticateToken implements Authenticator.
func (a *JWTAuthenticator) AuthenticateToken(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, &AuthError{Reason: "missing token"}
	}

	var c claims
	_, err := a.parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, &AuthError{Reason: "invalid token", Err: err}
	}
	if c.Type != "" && c.Type != "access" {
		return Identity{}, &AuthError{Reason: "not an access token"}
	}
	if c.Subject == "" {
		return Identity{}, &AuthError{Reason: "token has no subject"}
	}

	return Identity{UserID: c.Subject, Roles: c.Roles}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
