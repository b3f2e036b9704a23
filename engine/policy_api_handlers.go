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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"mcpgate/platform/shared/logger"
)

// maxRequestBodySize limits request bodies to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20

// PolicyAPIHandler handles HTTP requests for policy management.
type PolicyAPIHandler struct {
	service PolicyServicer
	log     *logger.Logger
}

// NewPolicyAPIHandler creates a new policy API handler.
func NewPolicyAPIHandler(service PolicyServicer) *PolicyAPIHandler {
	return &PolicyAPIHandler{
		service: service,
		log:     logger.New("policy-api"),
	}
}

// RegisterRoutes registers the management API on the router.
func (h *PolicyAPIHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/policies", h.listPolicies).Methods("GET")
	r.HandleFunc("/api/v1/policies", h.createPolicy).Methods("POST")
	r.HandleFunc("/api/v1/policies/validate", h.validatePolicy).Methods("POST")
	r.HandleFunc("/api/v1/policies/reload", h.reloadPolicies).Methods("POST")
	r.HandleFunc("/api/v1/policies/{id}", h.getPolicy).Methods("GET")
	r.HandleFunc("/api/v1/policies/{id}", h.updatePolicy).Methods("PUT")
	r.HandleFunc("/api/v1/policies/{id}", h.deletePolicy).Methods("DELETE")
	r.HandleFunc("/api/v1/policies/{id}/activate", h.transitionTo(StatusActive)).Methods("POST")
	r.HandleFunc("/api/v1/policies/{id}/suspend", h.transitionTo(StatusSuspended)).Methods("POST")
	r.HandleFunc("/api/v1/policies/{id}/retire", h.transitionTo(StatusRetired)).Methods("POST")
	r.HandleFunc("/api/v1/policies/{id}/resources", h.bindResource(true)).Methods("POST")
	r.HandleFunc("/api/v1/policies/{id}/resources", h.bindResource(false)).Methods("DELETE")
	r.HandleFunc("/api/v1/policies/{id}/scopes", h.bindScope(true)).Methods("POST")
	r.HandleFunc("/api/v1/policies/{id}/scopes", h.bindScope(false)).Methods("DELETE")
}

func (h *PolicyAPIHandler) listPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := ListPoliciesParams{
		Status:       q.Get("status"),
		Org:          q.Get("org"),
		Owner:        q.Get("owner"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}

	resp, err := h.service.ListPolicies(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *PolicyAPIHandler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	policy, err := h.service.CreatePolicy(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.log.Info("", requestID(r), "Policy created", map[string]interface{}{
		"policy_id":   policy.PolicyID,
		"policy_code": policy.PolicyCode,
	})
	h.writeJSON(w, http.StatusCreated, policy)
}

func (h *PolicyAPIHandler) getPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.service.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

func (h *PolicyAPIHandler) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var req UpdatePolicyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	policy, err := h.service.UpdatePolicy(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

func (h *PolicyAPIHandler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PolicyAPIHandler) transitionTo(target PolicyStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policy, err := h.service.TransitionPolicy(r.Context(), mux.Vars(r)["id"], target)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.log.Info("", requestID(r), "Policy transitioned", map[string]interface{}{
			"policy_id": policy.PolicyID,
			"status":    policy.Status,
			"version":   policy.Version,
		})
		h.writeJSON(w, http.StatusOK, policy)
	}
}

func (h *PolicyAPIHandler) bindResource(bind bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResourceBindingRequest
		if !h.decodeBody(w, r, &req) {
			return
		}
		policy, err := h.service.BindResource(r.Context(), mux.Vars(r)["id"], &req, bind)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, policy)
	}
}

func (h *PolicyAPIHandler) bindScope(bind bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScopeBindingRequest
		if !h.decodeBody(w, r, &req) {
			return
		}
		policy, err := h.service.BindScope(r.Context(), mux.Vars(r)["id"], &req, bind)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, policy)
	}
}

func (h *PolicyAPIHandler) validatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.service.ValidatePolicy(r.Context(), &req))
}

func (h *PolicyAPIHandler) reloadPolicies(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.service.Reload(r.Context())
	if err != nil {
		h.log.ErrorWithCode("", requestID(r), "Policy reload failed", http.StatusInternalServerError, err, nil)
		h.writeError(w, http.StatusInternalServerError, "RELOAD_FAILED", err.Error())
		return
	}
	workingSetSize.Set(float64(loaded))
	h.log.Info("", requestID(r), "Policy working set reloaded", map[string]interface{}{
		"loaded": loaded,
	})
	h.writeJSON(w, http.StatusOK, &ReloadResponse{Loaded: loaded})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *PolicyAPIHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func (h *PolicyAPIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	var notFoundErr *NotFoundError
	var transitionErr *InvalidTransitionError
	var conflictErr *ConflictError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error())
	case errors.As(err, &notFoundErr):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", notFoundErr.Error())
	case errors.As(err, &transitionErr):
		h.writeError(w, http.StatusConflict, "INVALID_TRANSITION", transitionErr.Error())
	case errors.As(err, &conflictErr):
		h.writeError(w, http.StatusConflict, "VERSION_CONFLICT", conflictErr.Error())
	default:
		h.log.ErrorWithCode("", requestID(r), "Unexpected management API error",
			http.StatusInternalServerError, err, nil)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func (h *PolicyAPIHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *PolicyAPIHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, &APIError{Error: APIErrorDetail{Code: code, Message: message}})
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}
