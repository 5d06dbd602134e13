// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package syncwire

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionAuth mints and validates the HS256 session tokens attached to sync
// calls.
type SessionAuth struct {
	secret []byte
}

// NewSessionAuth creates a new session token helper.
func NewSessionAuth(secret string) *SessionAuth {
	return &SessionAuth{
		secret: []byte(secret),
	}
}

// SessionClaims represents the claims of a tenant-scoped session token.
type SessionClaims struct {
	TenantID string `json:"tid"` // Active tenant context
	DeviceID string `json:"did"` // Client device (becomes source id)
	jwt.RegisteredClaims
}

// GenerateToken generates a session token for one user/tenant/device triple.
func (s *SessionAuth) GenerateToken(userID, tenantID, deviceID string, expiration time.Duration) (string, error) {
	claims := &SessionClaims{
		TenantID: tenantID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "x-ear-sync",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a session token and returns its claims.
func (s *SessionAuth) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("missing tid (tenant ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}

// TenantFromRequest extracts and validates the tenant id from a bearer token.
func (s *SessionAuth) TenantFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", fmt.Errorf("bearer token required")
	}

	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.TenantID, nil
}
