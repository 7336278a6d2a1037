package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vigilwear/vigil/internal/audit"
	"github.com/vigilwear/vigil/internal/governor"
)

// DecisionsHandler serves read-only audit queries over recorded routing
// decisions. Reads go through the audit store's read pool and never block
// admission.
type DecisionsHandler struct {
	store *audit.Store
}

// NewDecisionsHandler creates the audit query handler.
func NewDecisionsHandler(store *audit.Store) *DecisionsHandler {
	return &DecisionsHandler{store: store}
}

// ServeHTTP handles GET /v1/decisions/{id} and GET /v1/decisions?device=...
func (h *DecisionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed", requestID)
		return
	}

	if id := strings.TrimPrefix(r.URL.Path, "/v1/decisions/"); id != "" && id != r.URL.Path {
		h.serveByID(w, r, id, requestID)
		return
	}

	device := r.URL.Query().Get("device")
	if device == "" {
		writeError(w, http.StatusBadRequest, "", "device query parameter is required", requestID)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "", "limit must be a positive integer", requestID)
			return
		}
		limit = n
	}

	decisions, err := h.store.ListDecisions(r.Context(), device, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error(), requestID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":    device,
		"decisions": decisions,
	})
}

func (h *DecisionsHandler) serveByID(w http.ResponseWriter, r *http.Request, id, requestID string) {
	decision, err := h.store.GetDecision(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error(), requestID)
		return
	}
	if decision == nil {
		writeError(w, http.StatusNotFound, "", "decision not found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// BudgetHandler exposes the cost governor's current window for monitoring.
type BudgetHandler struct {
	ledger *governor.Ledger
}

// NewBudgetHandler creates the budget snapshot handler.
func NewBudgetHandler(ledger *governor.Ledger) *BudgetHandler {
	return &BudgetHandler{ledger: ledger}
}

// ServeHTTP handles GET /v1/budget.
func (h *BudgetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed", requestID)
		return
	}

	writeJSON(w, http.StatusOK, h.ledger.SnapshotNow())
}
