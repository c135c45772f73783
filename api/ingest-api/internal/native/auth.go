// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_native_ingest

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks RS256 bearer tokens issued by the external auth
// service. Token issuance is out of scope here; only the public key travels
// with this service.
type TokenVerifier interface {
	Verify(authorization string) (jwt.MapClaims, error)
}

type rs256Verifier struct {
	publicKey *rsa.PublicKey
}

// NewTokenVerifier loads an RSA public key in PEM form from path.
func NewTokenVerifier(path string) (TokenVerifier, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}
	return &rs256Verifier{publicKey: key}, nil
}

// NewTokenVerifierFromKey wraps an in-memory key, for tests.
func NewTokenVerifierFromKey(key *rsa.PublicKey) TokenVerifier {
	return &rs256Verifier{publicKey: key}
}

func (v *rs256Verifier) Verify(authorization string) (jwt.MapClaims, error) {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("auth: not a bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, fmt.Errorf("auth: token rejected: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: token claims invalid")
	}
	return claims, nil
}
