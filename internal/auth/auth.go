package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomchat/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the coarse permission level carried by an identity.
type Role string

const (
	RoleGuest      Role = "guest"
	RoleRegistered Role = "registered"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleRegistered, RoleAdmin:
		return true
	}
	return false
}

// Identity is the authenticated principal bound to a connection.
// It is immutable for the lifetime of a session.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Resolver turns a bearer credential into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// claims is the JWT payload. The subject carries the identity id.
type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// JWTResolver verifies HS256 bearer tokens signed with a shared secret.
type JWTResolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTResolver builds a resolver for tokens minted with secret by issuer.
func NewJWTResolver(secret, issuer string, now func() time.Time) (*JWTResolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer, now: now}, nil
}

// Resolve validates credential and returns the identity it names.
func (r *JWTResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if credential == "" {
		return Identity{}, apperr.Authentication("credential is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(credential, &parsed, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	id := strings.TrimSpace(parsed.Subject)
	username := strings.TrimSpace(parsed.Username)
	if id == "" || username == "" {
		return Identity{}, apperr.Authentication("credential does not name an identity")
	}
	role := parsed.Role
	if role == "" {
		role = RoleRegistered
	}
	if !role.Valid() {
		return Identity{}, apperr.Authentication("credential carries an unknown role")
	}
	return Identity{ID: id, Username: username, Role: role}, nil
}

// Mint signs a credential for identity that is valid for ttl.
func Mint(secret, issuer string, identity Identity, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if strings.TrimSpace(identity.ID) == "" || strings.TrimSpace(identity.Username) == "" {
		return "", fmt.Errorf("identity id and username are required")
	}
	if identity.Role == "" {
		identity.Role = RoleRegistered
	}
	if !identity.Role.Valid() {
		return "", fmt.Errorf("unknown role %q", identity.Role)
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: identity.Username,
		Role:     identity.Role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return token, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(apperr.KindAuthentication, "credential has expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Wrap(apperr.KindAuthentication, "credential signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperr.Wrap(apperr.KindAuthentication, "credential issuer mismatch", err)
	default:
		return apperr.Wrap(apperr.KindAuthentication, "credential is invalid", err)
	}
}
