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
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"mcpgate/platform/shared/logger"
)

// AdminAuth protects the management API with bearer tokens. The evaluation
// API is gateway-internal and is not behind this middleware.
//
// An empty secret disables authentication for self-hosted zero-config
// deployments.
type AdminAuth struct {
	secret []byte
	log    *logger.Logger
}

// NewAdminAuth creates the middleware. Pass an empty secret to disable auth.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{
		secret: []byte(secret),
		log:    logger.New("admin-auth"),
	}
}

// Enabled reports whether a secret is configured.
func (a *AdminAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware validates the Authorization header on every request.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		subject, err := a.validateBearer(r.Header.Get("Authorization"))
		if err != nil {
			a.log.Warn("", requestID(r), "Management API auth rejected", map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			writeEvalError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing bearer token")
			return
		}

		r.Header.Set("X-Admin-Subject", subject)
		next.ServeHTTP(w, r)
	})
}

// validateBearer parses and verifies an HS256 token, returning its subject.
func (a *AdminAuth) validateBearer(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return "", fmt.Errorf("Authorization header must use Bearer scheme")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}
