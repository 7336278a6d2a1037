// Package dispatch delivers time-critical notifications with bounded retry.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/internal/notify"
	"github.com/vigilwear/vigil/pkg/types"
)

// Config holds alert sink delivery settings.
type Config struct {
	// Endpoint is the notification sink URL
	Endpoint string

	// Timeout bounds a single delivery attempt
	Timeout time.Duration

	// MaxRetries is the bounded number of retries after the first attempt
	MaxRetries int

	// InitialBackoff is the first retry delay; doubles per attempt
	InitialBackoff time.Duration
}

// Dispatcher pushes alerts to the notification sink.
type Dispatcher struct {
	endpoint       string
	client         *http.Client
	maxRetries     int
	initialBackoff time.Duration
	notifier       *notify.Notifier
	log            *zap.Logger
}

// NewDispatcher creates a dispatcher for the configured sink.
func NewDispatcher(cfg Config, notifier *notify.Notifier, log *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}

	return &Dispatcher{
		endpoint:       cfg.Endpoint,
		client:         &http.Client{Timeout: cfg.Timeout},
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		notifier:       notifier,
		log:            log,
	}
}

// Dispatch synchronously delivers an alert, retrying transient failures with
// exponential backoff. On terminal failure the alert is escalated to
// monitoring and an error returned; the caller's durable batch write is the
// fallback, so the event is never lost from the audit trail.
func (d *Dispatcher) Dispatch(ctx context.Context, alert types.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return verrors.NewInternalError("dispatch: failed to marshal alert", err)
	}

	var lastErr error
	backoff := d.initialBackoff

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		lastErr = d.attempt(ctx, body)
		if lastErr == nil {
			if attempt > 0 {
				d.log.Info("alert delivered after retry",
					zap.String("event_id", alert.EventID),
					zap.Int("attempt", attempt+1))
			}
			return nil
		}

		d.log.Warn("alert delivery attempt failed",
			zap.String("event_id", alert.EventID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		if attempt < d.maxRetries {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = d.maxRetries // escalate below
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	d.notifier.Publish(notify.Escalation{
		Kind:     notify.DispatchFailed,
		DeviceID: alert.DeviceID,
		Detail:   fmt.Sprintf("alert %s undelivered after %d attempts: %v", alert.EventID, d.maxRetries+1, lastErr),
	})

	return verrors.NewDispatchError(verrors.CodeDispatchFailed,
		fmt.Sprintf("alert %s undelivered after %d attempts", alert.EventID, d.maxRetries+1), lastErr)
}

// attempt performs a single delivery and checks the acknowledgment.
func (d *Dispatcher) attempt(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
