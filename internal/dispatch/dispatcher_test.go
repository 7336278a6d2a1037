package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/internal/notify"
	"github.com/vigilwear/vigil/pkg/types"
)

func testAlert() types.Alert {
	return types.Alert{
		EventID:   "dec-1",
		DeviceID:  "watch-1",
		Severity:  types.SeverityCritical,
		Timestamp: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func newDispatcher(endpoint string, notifier *notify.Notifier) *Dispatcher {
	return NewDispatcher(Config{
		Endpoint:       endpoint,
		Timeout:        time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}, notifier, zap.NewNop())
}

func TestDispatch_Delivers(t *testing.T) {
	var received types.Alert
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode alert: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	d := newDispatcher(sink.URL, notify.NewNotifier(8))

	if err := d.Dispatch(context.Background(), testAlert()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if received.EventID != "dec-1" || received.DeviceID != "watch-1" {
		t.Errorf("sink received %+v", received)
	}
	if received.Severity != types.SeverityCritical {
		t.Errorf("severity = %s", received.Severity)
	}
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	d := newDispatcher(sink.URL, notify.NewNotifier(8))

	if err := d.Dispatch(context.Background(), testAlert()); err != nil {
		t.Fatalf("Dispatch failed after retries: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDispatch_TerminalFailureEscalates(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()

	notifier := notify.NewNotifier(8)
	sub := notifier.Subscribe("test", notify.DispatchFailed)
	defer notifier.Unsubscribe("test")

	d := newDispatcher(sink.URL, notifier)

	err := d.Dispatch(context.Background(), testAlert())
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if verrors.GetCode(err) != verrors.CodeDispatchFailed {
		t.Errorf("code = %s, want %s", verrors.GetCode(err), verrors.CodeDispatchFailed)
	}
	if !verrors.IsRetryable(err) {
		t.Error("dispatch failures should be marked retryable for upstream handling")
	}

	select {
	case esc := <-sub.Ch:
		if esc.Kind != notify.DispatchFailed || esc.DeviceID != "watch-1" {
			t.Errorf("unexpected escalation: %+v", esc)
		}
	case <-time.After(time.Second):
		t.Fatal("no escalation published")
	}
}

func TestDispatch_ContextCancelled(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sink.Close()

	d := newDispatcher(sink.URL, notify.NewNotifier(8))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Dispatch(ctx, testAlert()); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}
