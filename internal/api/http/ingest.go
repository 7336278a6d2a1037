package http

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/internal/receiver"
	"github.com/vigilwear/vigil/pkg/types"
)

// maxEnvelopeBytes bounds a single event envelope. Wearable envelopes are a
// few KiB of samples; anything near this limit is malformed or abusive.
const maxEnvelopeBytes = 1 << 20

// IngestResponse is the success response for POST /v1/events.
type IngestResponse struct {
	DecisionID string `json:"decisionId"`
	Path       string `json:"path"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// IngestHandler handles POST /v1/events.
type IngestHandler struct {
	receiver *receiver.Receiver
	log      *zap.Logger
}

// NewIngestHandler creates the event ingress handler.
func NewIngestHandler(rcv *receiver.Receiver, log *zap.Logger) *IngestHandler {
	return &IngestHandler{receiver: rcv, log: log}
}

// ServeHTTP admits a single event envelope.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed", requestID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, verrors.CodeInvalidEnvelope, "failed to read body", requestID)
		return
	}
	if len(body) > maxEnvelopeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, verrors.CodeInvalidEnvelope, "envelope too large", requestID)
		return
	}

	receipt, err := h.receiver.Ingest(r.Context(), body)
	if err != nil {
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("event admission failed",
				zap.String("request_id", requestID), zap.Error(err))
		}
		writeError(w, status, code, err.Error(), requestID)
		return
	}

	// A shed is a deliberate admission refusal: distinct status so senders
	// back off, with the audited decision attached.
	if receipt.Decision.Path == types.PathDropped {
		writeJSON(w, http.StatusTooManyRequests, IngestResponse{
			DecisionID: receipt.Decision.DecisionID,
			Path:       string(receipt.Decision.Path),
			RequestID:  requestID,
		})
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		DecisionID: receipt.Decision.DecisionID,
		Path:       string(receipt.Decision.Path),
		Duplicate:  receipt.Duplicate,
		RequestID:  requestID,
	})
}

// statusFor maps error categories to HTTP statuses.
func statusFor(err error) (int, string) {
	code := verrors.GetCode(err)
	switch verrors.GetCategory(err) {
	case verrors.ErrCategoryValidation:
		return http.StatusBadRequest, code
	case verrors.ErrCategorySchema:
		return http.StatusConflict, code
	case verrors.ErrCategoryBudget:
		return http.StatusTooManyRequests, code
	default:
		return http.StatusInternalServerError, code
	}
}
