// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package syncwire

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSessionAuth_GenerateToken(t *testing.T) {
	auth := NewSessionAuth("test-secret")
	userID := "user-123"
	tenantID := "tenant-456"
	deviceID := "device-789"
	duration := time.Hour

	token, err := auth.GenerateToken(userID, tenantID, deviceID, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}

	if claims.TenantID != tenantID {
		t.Errorf("Expected tid %s, got %s", tenantID, claims.TenantID)
	}
	if claims.DeviceID != deviceID {
		t.Errorf("Expected did %s, got %s", deviceID, claims.DeviceID)
	}
	if claims.Subject != userID {
		t.Errorf("Expected sub %s, got %s", userID, claims.Subject)
	}
	if claims.Issuer != "x-ear-sync" {
		t.Errorf("Expected issuer 'x-ear-sync', got %s", claims.Issuer)
	}

	if claims.ExpiresAt == nil {
		t.Fatal("Token should have expiration time")
	}
	expectedExpiry := time.Now().Add(duration)
	if diff := claims.ExpiresAt.Time.Sub(expectedExpiry).Abs(); diff > time.Second {
		t.Errorf("Token expiry differs by more than 1 second: expected ~%v, got %v", expectedExpiry, claims.ExpiresAt.Time)
	}
}

func TestSessionAuth_ValidateToken_InvalidSecret(t *testing.T) {
	auth1 := NewSessionAuth("secret-1")
	auth2 := NewSessionAuth("secret-2")

	token, err := auth1.GenerateToken("user", "tenant", "device", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := auth2.ValidateToken(token); err == nil {
		t.Error("Expected validation to fail with different secret")
	}
}

func TestSessionAuth_ValidateToken_ExpiredToken(t *testing.T) {
	auth := NewSessionAuth("test-secret")

	token, err := auth.GenerateToken("user", "tenant", "device", time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := auth.ValidateToken(token); err == nil {
		t.Error("Expected validation to fail for expired token")
	}
}

func TestSessionAuth_ValidateToken_MalformedToken(t *testing.T) {
	auth := NewSessionAuth("test-secret")

	testCases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not.a.jwt"},
		{"random string", "random-string"},
		{"partial token", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := auth.ValidateToken(tc.token); err == nil {
				t.Errorf("Expected validation to fail for %s", tc.name)
			}
		})
	}
}

func TestSessionAuth_ValidateToken_MissingTenantID(t *testing.T) {
	auth := NewSessionAuth("test-secret")

	claims := &SessionClaims{
		TenantID: "",
		DeviceID: "device-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "user-1",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(auth.secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	if _, err := auth.ValidateToken(tokenString); err == nil {
		t.Error("Expected validation to fail for missing tid")
	}
}

func TestSessionAuth_ValidateToken_WrongSigningMethod(t *testing.T) {
	auth := NewSessionAuth("test-secret")

	claims := &SessionClaims{
		TenantID: "tenant-1",
		DeviceID: "device-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "user-1",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenString, _ := token.SigningString()

	if _, err := auth.ValidateToken(tokenString); err == nil {
		t.Error("Expected validation to fail for wrong signing method")
	}
}

func TestSessionAuth_TenantFromRequest(t *testing.T) {
	auth := NewSessionAuth("test-secret")

	token, err := auth.GenerateToken("user-1", "tenant-42", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	req := httptest.NewRequest("POST", "/sync/mutate", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	tenantID, err := auth.TenantFromRequest(req)
	if err != nil {
		t.Fatalf("Failed to extract tenant: %v", err)
	}
	if tenantID != "tenant-42" {
		t.Errorf("Expected tenant-42, got %s", tenantID)
	}
}

func TestSessionAuth_TenantFromRequest_Failures(t *testing.T) {
	auth := NewSessionAuth("test-secret")

	testCases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "Basic abc123"},
		{"garbage token", "Bearer not-a-jwt"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/sync/mutate", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if _, err := auth.TenantFromRequest(req); err == nil {
				t.Errorf("Expected tenant extraction to fail for %s", tc.name)
			}
		})
	}
}
