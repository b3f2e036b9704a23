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
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mcpgate/platform/shared/logger"
)

// maxBatchSize bounds /evaluate/batch so one request cannot monopolize the
// engine.
const maxBatchSize = 100

// EvaluateHandler serves the gateway-facing evaluation API. Evaluation never
// fails: worst case the response is a default-deny decision with a reason.
type EvaluateHandler struct {
	engine      *DecisionEngine
	rateLimiter *RateLimiter // nil disables throttling
	log         *logger.Logger
}

// NewEvaluateHandler creates an evaluation handler. rateLimiter may be nil.
func NewEvaluateHandler(engine *DecisionEngine, rateLimiter *RateLimiter) *EvaluateHandler {
	return &EvaluateHandler{
		engine:      engine,
		rateLimiter: rateLimiter,
		log:         logger.New("evaluate-api"),
	}
}

// RegisterRoutes registers the evaluation API on the router.
func (h *EvaluateHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/evaluate", h.evaluate).Methods("POST")
	r.HandleFunc("/api/v1/evaluate/batch", h.evaluateBatch).Methods("POST")
}

func (h *EvaluateHandler) evaluate(w http.ResponseWriter, r *http.Request) {
	var ec EvaluationContext
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		writeEvalError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid evaluation context: "+err.Error())
		return
	}

	if !h.allow(w, r, &ec) {
		return
	}

	start := time.Now()
	decision := h.engine.Evaluate(&ec)

	h.log.InfoWithDuration(ec.Principal.ID, ec.Request.RequestID, "Decision produced",
		float64(time.Since(start).Microseconds())/1000, map[string]interface{}{
			"decision":    decision.Action,
			"policy_code": decision.PolicyCode,
			"resource":    ec.Resource.Type + "/" + ec.Resource.ID,
			"tool":        ec.Tool,
		})

	writeJSONBody(w, http.StatusOK, toEvaluateResponse(decision))
}

func (h *EvaluateHandler) evaluateBatch(w http.ResponseWriter, r *http.Request) {
	var contexts []EvaluationContext
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&contexts); err != nil {
		writeEvalError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid batch body: "+err.Error())
		return
	}
	if len(contexts) > maxBatchSize {
		writeEvalError(w, http.StatusRequestEntityTooLarge, "BATCH_TOO_LARGE", "Batch exceeds maximum size")
		return
	}

	// Each context is evaluated independently; the response preserves order.
	responses := make([]*EvaluateResponse, len(contexts))
	for i := range contexts {
		responses[i] = toEvaluateResponse(h.engine.Evaluate(&contexts[i]))
	}
	writeJSONBody(w, http.StatusOK, responses)
}

// allow applies per-principal rate limiting when configured.
func (h *EvaluateHandler) allow(w http.ResponseWriter, r *http.Request, ec *EvaluationContext) bool {
	if h.rateLimiter == nil || ec.Principal.ID == "" {
		return true
	}
	if err := h.rateLimiter.Allow(r.Context(), ec.Principal.ID); err != nil {
		rateLimitedTotal.Inc()
		h.log.Warn(ec.Principal.ID, ec.Request.RequestID, "Evaluation rate limited", nil)
		writeEvalError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
		return false
	}
	return true
}

func toEvaluateResponse(d *Decision) *EvaluateResponse {
	resp := &EvaluateResponse{
		Decision:    d.Action,
		PolicyIDs:   []string{},
		PolicyCode:  d.PolicyCode,
		MatchedRule: d.RuleID,
		Reason:      d.Reason,
		Params:      d.Params,
		Timestamp:   d.EvaluatedAt,
	}
	if d.PolicyID != "" {
		resp.PolicyIDs = []string{d.PolicyID}
	}
	return resp
}

func writeJSONBody(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeEvalError(w http.ResponseWriter, status int, code, message string) {
	writeJSONBody(w, status, &APIError{Error: APIErrorDetail{Code: code, Message: message}})
}
