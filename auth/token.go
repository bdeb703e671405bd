// Package auth supplies the collector credential and inspects it for
// problems the collector would reject.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryWarning is how close to expiry a credential starts being reported.
const ExpiryWarning = 48 * time.Hour

var (
	ErrEmptyToken     = errors.New("token is empty")
	ErrMalformedToken = errors.New("token is malformed")
	ErrNoIssuedAt     = errors.New("token has no iat claim")
	ErrIssuedInFuture = errors.New("token iat is in the future")
	ErrNoNotBefore    = errors.New("token has no nbf claim")
	ErrNoExpiration   = errors.New("token has no exp claim")
	ErrNoName         = errors.New("token has no name claim")
	ErrNoAccess       = errors.New("token has no access claim")
)

// Access lists the collector features a token grants.
type Access struct {
	SMS bool `json:"sms"`
}

// Claims is the collector token payload.
type Claims struct {
	jwt.RegisteredClaims
	Name   string  `json:"name"`
	Access *Access `json:"access"`
}

// TokenInfo is the inspected view of a credential.
type TokenInfo struct {
	Name      string    `json:"name"`
	IssuedAt  time.Time `json:"issued_at"`
	NotBefore time.Time `json:"not_before"`
	ExpiresAt time.Time `json:"expires_at"`
	SMSAccess bool      `json:"sms_access"`
}

// Inspect decodes token without verifying its signature; the device holds no
// collector key. It fails on missing required claims.
func Inspect(token string, now time.Time) (*TokenInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmptyToken
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if claims.IssuedAt == nil {
		return nil, ErrNoIssuedAt
	}
	if claims.IssuedAt.After(now) {
		return nil, ErrIssuedInFuture
	}
	if claims.NotBefore == nil {
		return nil, ErrNoNotBefore
	}
	if claims.ExpiresAt == nil {
		return nil, ErrNoExpiration
	}
	if strings.TrimSpace(claims.Name) == "" {
		return nil, ErrNoName
	}
	if claims.Access == nil {
		return nil, ErrNoAccess
	}

	return &TokenInfo{
		Name:      claims.Name,
		IssuedAt:  claims.IssuedAt.Time,
		NotBefore: claims.NotBefore.Time,
		ExpiresAt: claims.ExpiresAt.Time,
		SMSAccess: claims.Access.SMS,
	}, nil
}

// Issues lists human-readable problems with an inspected token at now.
func (i *TokenInfo) Issues(now time.Time) []string {
	var issues []string
	if !i.ExpiresAt.After(now) {
		issues = append(issues, "token has expired")
	} else if i.ExpiresAt.Sub(now) < ExpiryWarning {
		issues = append(issues, "token will expire in less than 48 hours")
	}
	if i.NotBefore.After(now) {
		issues = append(issues, "token is not valid yet")
	}
	if !i.SMSAccess {
		issues = append(issues, "token is not authorized to access SMS")
	}
	return issues
}
