// Package batch appends validated events into partitioned, layered storage.
//
// Only the raw-layer write is synchronous with the routing decision; accepted
// events are then promoted to the validated layer by a background worker.
// Writes are append-only and idempotent by composite key: re-appending an
// already-written dedup key is a no-op regardless of call count.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/internal/notify"
	"github.com/vigilwear/vigil/internal/storage"
	"github.com/vigilwear/vigil/pkg/types"
)

// Config holds batch writer settings.
type Config struct {
	// Retries is the bounded number of write retries after the first attempt
	Retries int

	// Backoff is the first retry delay; doubles per attempt
	Backoff time.Duration

	// PromoteBuffer sizes the validated-layer promotion queue
	PromoteBuffer int
}

// Writer appends events to the raw and validated storage layers.
type Writer struct {
	store    storage.ObjectStorage
	notifier *notify.Notifier
	log      *zap.Logger
	retries  int
	backoff  time.Duration

	promoteCh chan *types.SensorEvent
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewWriter creates a batch writer over the given object storage.
func NewWriter(store storage.ObjectStorage, notifier *notify.Notifier, cfg Config, log *zap.Logger) *Writer {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.PromoteBuffer <= 0 {
		cfg.PromoteBuffer = 256
	}

	return &Writer{
		store:     store,
		notifier:  notifier,
		log:       log,
		retries:   cfg.Retries,
		backoff:   cfg.Backoff,
		promoteCh: make(chan *types.SensorEvent, cfg.PromoteBuffer),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the validated-layer promotion worker.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.promoteLoop(ctx)
	})
}

// Close stops the promotion worker after draining queued promotions.
func (w *Writer) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// AppendRaw synchronously writes the snappy-compressed original envelope to
// the raw layer and queues the event for validated-layer promotion.
// Returns false when the key was already written (idempotent re-append).
func (w *Writer) AppendRaw(ctx context.Context, e *types.SensorEvent) (bool, error) {
	key := types.NewPartitionKey(e.Timestamp, e.DeviceID)
	objectPath := key.ObjectPath(types.LayerRaw, e.SequenceNo)
	compressed := snappy.Encode(nil, e.Raw)

	var written bool
	err := w.retryWrite(ctx, func() error {
		var err error
		written, err = w.store.PutIfAbsent(ctx, objectPath, compressed)
		return err
	})
	if err != nil {
		return false, verrors.NewStorageError(verrors.CodeWriteFailed,
			fmt.Sprintf("raw append failed for %s", objectPath), err)
	}

	if !written {
		w.log.Debug("raw layer object already present",
			zap.String("object_path", objectPath))
		return false, nil
	}

	w.enqueuePromotion(e)
	return true, nil
}

// enqueuePromotion hands the event to the promotion worker. A full queue is
// surfaced to monitoring instead of blocking the admission path; the
// validated layer can be rebuilt from the raw layer.
func (w *Writer) enqueuePromotion(e *types.SensorEvent) {
	select {
	case w.promoteCh <- e:
	default:
		w.log.Warn("promotion queue full, validated layer lagging",
			zap.String("device_id", e.DeviceID),
			zap.Uint64("sequence_no", e.SequenceNo))
		w.notifier.Publish(notify.Escalation{
			Kind:     notify.WriteFailed,
			DeviceID: e.DeviceID,
			Detail:   "promotion queue full",
		})
	}
}

// promoteLoop writes queued events to the validated layer.
func (w *Writer) promoteLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			// Drain what is already queued before stopping.
			for {
				select {
				case e := <-w.promoteCh:
					w.promote(context.Background(), e)
				default:
					return
				}
			}
		case e := <-w.promoteCh:
			w.promote(ctx, e)
		}
	}
}

// promote writes the normalized event to the validated layer.
func (w *Writer) promote(ctx context.Context, e *types.SensorEvent) {
	key := types.NewPartitionKey(e.Timestamp, e.DeviceID)
	objectPath := key.ObjectPath(types.LayerValidated, e.SequenceNo)

	normalized, err := json.Marshal(e)
	if err != nil {
		w.log.Error("failed to marshal event for promotion",
			zap.String("device_id", e.DeviceID), zap.Error(err))
		return
	}

	err = w.retryWrite(ctx, func() error {
		_, err := w.store.PutIfAbsent(ctx, objectPath, normalized)
		return err
	})
	if err != nil {
		w.log.Error("validated layer promotion failed",
			zap.String("object_path", objectPath), zap.Error(err))
		w.notifier.Publish(notify.Escalation{
			Kind:     notify.WriteFailed,
			DeviceID: e.DeviceID,
			Detail:   fmt.Sprintf("validated promotion failed: %v", err),
		})
		return
	}

	w.log.Debug("event promoted to validated layer",
		zap.String("object_path", objectPath))
}

// retryWrite retries a storage write with exponential backoff. The batch path
// has no hard timeout but the attempt count is bounded so persistent failure
// surfaces instead of blocking indefinitely.
func (w *Writer) retryWrite(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := w.backoff

	for attempt := 0; attempt <= w.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if attempt < w.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return lastErr
}
