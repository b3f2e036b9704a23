// Copyright 2025 MCPGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-admin-secret"

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func authProbe(auth *AdminAuth, header string) (*httptest.ResponseRecorder, string) {
	var seenSubject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSubject = r.Header.Get("X-Admin-Subject")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/api/v1/policies", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	auth.Middleware(next).ServeHTTP(w, req)
	return w, seenSubject
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	auth := NewAdminAuth("")
	if auth.Enabled() {
		t.Error("empty secret should disable auth")
	}

	w, _ := authProbe(auth, "")
	if w.Code != http.StatusOK {
		t.Errorf("disabled auth should pass requests through, got %d", w.Code)
	}
}

func TestAuthValidToken(t *testing.T) {
	auth := NewAdminAuth(testSecret)

	w, subject := authProbe(auth, "Bearer "+signToken(t, testSecret, "ops@example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("valid token should pass, got %d: %s", w.Code, w.Body.String())
	}
	if subject != "ops@example.com" {
		t.Errorf("subject should be forwarded, got %q", subject)
	}
}

func TestAuthRejections(t *testing.T) {
	auth := NewAdminAuth(testSecret)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc123"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + signToken(t, "other-secret", "ops@example.com")},
		{"no subject", "Bearer " + signToken(t, testSecret, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := authProbe(auth, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	auth := NewAdminAuth(testSecret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	w, _ := authProbe(auth, "Bearer "+signed)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expired token should be rejected, got %d", w.Code)
	}
}

func TestAuthRejectsUnsignedAlgorithm(t *testing.T) {
	auth := NewAdminAuth(testSecret)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "ops@example.com"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	w, _ := authProbe(auth, "Bearer "+signed)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("alg=none token should be rejected, got %d", w.Code)
	}
}
