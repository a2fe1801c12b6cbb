package chatsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned for credentials without an exp claim.
var ErrNoExpiry = errors.New("credential has no expiry")

// parseClaims reads the claims of a JWT credential without verifying its
// signature. The server remains the authority; the client only uses the
// claims to display status and pre-fill the identity.
func parseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	return claims, nil
}

// CredentialExpiry returns the expiry time carried by a JWT credential.
func CredentialExpiry(token string) (time.Time, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("parse credential: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// CredentialSubject returns the user id (sub claim) of a JWT credential.
func CredentialSubject(token string) (string, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("parse credential: %w", err)
	}
	return sub, nil
}

// CredentialExpired reports whether the credential expires at or before now.
// Credentials without an expiry never expire.
func CredentialExpired(token string, now time.Time) (bool, error) {
	exp, err := CredentialExpiry(token)
	if errors.Is(err, ErrNoExpiry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !now.Before(exp), nil
}
