package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigilwear/vigil/internal/audit"
	"github.com/vigilwear/vigil/internal/batch"
	"github.com/vigilwear/vigil/internal/dedup"
	"github.com/vigilwear/vigil/internal/dispatch"
	"github.com/vigilwear/vigil/internal/governor"
	"github.com/vigilwear/vigil/internal/notify"
	"github.com/vigilwear/vigil/internal/receiver"
	"github.com/vigilwear/vigil/internal/router"
	"github.com/vigilwear/vigil/internal/schema"
	"github.com/vigilwear/vigil/internal/storage"
)

type testEnv struct {
	ingest    *IngestHandler
	decisions *DecisionsHandler
	budget    *BudgetHandler
	store     *audit.Store
}

func newTestEnv(t *testing.T, eventLimit int64) *testEnv {
	t.Helper()
	dir := t.TempDir()

	registry, err := schema.NewRegistry(filepath.Join(dir, "schemas.db"), schema.ModeAdditive)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	store, err := audit.NewStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("failed to create audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("failed to create object storage: %v", err)
	}

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.Close)

	notifier := notify.NewNotifier(16)
	ledger := governor.NewLedger(governor.Config{
		Window:       time.Minute,
		SoftFraction: 0.8,
		Limits: map[governor.Dimension]int64{
			governor.DimensionAlerts: 100,
			governor.DimensionEvents: eventLimit,
		},
	})

	rcv := receiver.New(
		registry,
		dedup.NewChecker(dedup.Config{Window: time.Hour, Shards: 4}),
		ledger,
		router.New(router.Config{AlertScore: 0.85, OverrideScore: 0.90}),
		store,
		dispatch.NewDispatcher(dispatch.Config{Endpoint: sink.URL, Timeout: time.Second, InitialBackoff: time.Millisecond}, notifier, zap.NewNop()),
		batch.NewWriter(objects, notifier, batch.Config{Backoff: time.Millisecond}, zap.NewNop()),
		notifier,
		zap.NewNop(),
	)

	return &testEnv{
		ingest:    NewIngestHandler(rcv, zap.NewNop()),
		decisions: NewDecisionsHandler(store),
		budget:    NewBudgetHandler(ledger),
		store:     store,
	}
}

func num(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func postEvent(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngest_Accepted(t *testing.T) {
	env := newTestEnv(t, 1000)

	rec := postEvent(env.ingest, `{
		"deviceId": "watch-1",
		"timestamp": "2026-01-15T10:00:00Z",
		"sequenceNo": 1,
		"schemaVersion": 1,
		"payload": {"fallScore": 0.3, "deviceHealthy": true}
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.DecisionID == "" {
		t.Error("missing decision id")
	}
	if resp.Path != "BATCH" {
		t.Errorf("path = %s, want BATCH", resp.Path)
	}
	if resp.Duplicate {
		t.Error("first event flagged duplicate")
	}
}

func TestIngest_DuplicateFlagged(t *testing.T) {
	env := newTestEnv(t, 1000)
	body := `{
		"deviceId": "watch-1",
		"timestamp": "2026-01-15T10:00:00Z",
		"sequenceNo": 9,
		"schemaVersion": 1,
		"payload": {"fallScore": 0.3, "deviceHealthy": true}
	}`

	first := postEvent(env.ingest, body)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	var firstResp IngestResponse
	json.Unmarshal(first.Body.Bytes(), &firstResp)

	second := postEvent(env.ingest, body)
	if second.Code != http.StatusOK {
		t.Fatalf("retransmit status = %d", second.Code)
	}
	var secondResp IngestResponse
	json.Unmarshal(second.Body.Bytes(), &secondResp)

	if !secondResp.Duplicate {
		t.Error("retransmit not flagged duplicate")
	}
	if secondResp.DecisionID != firstResp.DecisionID {
		t.Errorf("duplicate decision id %s, want %s", secondResp.DecisionID, firstResp.DecisionID)
	}
}

func TestIngest_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t, 1000)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			"malformed envelope",
			`{"deviceId":`,
			http.StatusBadRequest,
		},
		{
			"empty device id",
			`{"deviceId": "", "timestamp": "2026-01-15T10:00:00Z", "sequenceNo": 1, "schemaVersion": 1,
			  "payload": {"fallScore": 0.3, "deviceHealthy": true}}`,
			http.StatusBadRequest,
		},
		{
			"schema regression",
			`{"deviceId": "watch-reg", "timestamp": "2026-01-15T10:00:00Z", "sequenceNo": 2, "schemaVersion": 1,
			  "payload": {"fallScore": 0.3, "deviceHealthy": true}}`,
			http.StatusConflict,
		},
	}

	// Register version 3 so the version-1 case below is a regression.
	seed := postEvent(env.ingest, `{
		"deviceId": "watch-reg",
		"timestamp": "2026-01-15T10:00:00Z",
		"sequenceNo": 1,
		"schemaVersion": 3,
		"payload": {"fallScore": 0.3, "deviceHealthy": true}
	}`)
	if seed.Code != http.StatusOK {
		t.Fatalf("seed status = %d", seed.Code)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postEvent(env.ingest, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}

			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("error response not JSON: %v", err)
			}
			if resp.Error == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestIngest_ShedReturnsTooManyRequests(t *testing.T) {
	env := newTestEnv(t, 1)

	first := postEvent(env.ingest, `{
		"deviceId": "watch-1",
		"timestamp": "2026-01-15T10:00:00Z",
		"sequenceNo": 1,
		"schemaVersion": 1,
		"payload": {"fallScore": 0.3, "deviceHealthy": true}
	}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	shed := postEvent(env.ingest, `{
		"deviceId": "watch-1",
		"timestamp": "2026-01-15T10:00:00Z",
		"sequenceNo": 2,
		"schemaVersion": 1,
		"payload": {"fallScore": 0.3, "deviceHealthy": true}
	}`)
	if shed.Code != http.StatusTooManyRequests {
		t.Fatalf("shed status = %d, want 429", shed.Code)
	}

	var resp IngestResponse
	if err := json.Unmarshal(shed.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Path != "DROPPED" {
		t.Errorf("path = %s, want DROPPED", resp.Path)
	}
	if resp.DecisionID == "" {
		t.Error("shed must still carry its audited decision id")
	}
}

func TestIngest_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()
	env.ingest.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestIngest_EnvelopeTooLarge(t *testing.T) {
	env := newTestEnv(t, 1000)

	rec := postEvent(env.ingest, string(bytes.Repeat([]byte("x"), maxEnvelopeBytes+1)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestDecisions_ByID(t *testing.T) {
	env := newTestEnv(t, 1000)

	rec := postEvent(env.ingest, `{
		"deviceId": "watch-1",
		"timestamp": "2026-01-15T10:00:00Z",
		"sequenceNo": 1,
		"schemaVersion": 1,
		"payload": {"fallScore": 0.3, "deviceHealthy": true}
	}`)
	var resp IngestResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions/"+resp.DecisionID, nil)
	out := httptest.NewRecorder()
	env.decisions.ServeHTTP(out, req)

	if out.Code != http.StatusOK {
		t.Fatalf("status = %d", out.Code)
	}
	var decision map[string]interface{}
	if err := json.Unmarshal(out.Body.Bytes(), &decision); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}
	if decision["decision_id"] != resp.DecisionID {
		t.Errorf("decision id = %v", decision["decision_id"])
	}
}

func TestDecisions_NotFound(t *testing.T) {
	env := newTestEnv(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions/no-such-id", nil)
	out := httptest.NewRecorder()
	env.decisions.ServeHTTP(out, req)

	if out.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", out.Code)
	}
}

func TestDecisions_ListByDevice(t *testing.T) {
	env := newTestEnv(t, 1000)

	for seq := 1; seq <= 3; seq++ {
		rec := postEvent(env.ingest, `{
			"deviceId": "watch-list",
			"timestamp": "2026-01-15T10:00:00Z",
			"sequenceNo": `+num(float64(seq))+`,
			"schemaVersion": 1,
			"payload": {"fallScore": 0.3, "deviceHealthy": true}
		}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("seq %d status = %d", seq, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions?device=watch-list", nil)
	out := httptest.NewRecorder()
	env.decisions.ServeHTTP(out, req)

	if out.Code != http.StatusOK {
		t.Fatalf("status = %d", out.Code)
	}
	var listing struct {
		Device    string                   `json:"device"`
		Decisions []map[string]interface{} `json:"decisions"`
	}
	if err := json.Unmarshal(out.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Decisions) != 3 {
		t.Errorf("decisions = %d, want 3", len(listing.Decisions))
	}
}

func TestDecisions_DeviceRequired(t *testing.T) {
	env := newTestEnv(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions", nil)
	out := httptest.NewRecorder()
	env.decisions.ServeHTTP(out, req)

	if out.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", out.Code)
	}
}

func TestBudget_Snapshot(t *testing.T) {
	env := newTestEnv(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/v1/budget", nil)
	out := httptest.NewRecorder()
	env.budget.ServeHTTP(out, req)

	if out.Code != http.StatusOK {
		t.Fatalf("status = %d", out.Code)
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(out.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if _, ok := snapshot["counters"]; !ok {
		t.Error("snapshot missing counters")
	}
}
