package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Store interface {
	// LockBatch leases pending events and in-progress events whose lease expired.
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, ids []int64) error
	// MarkFailed records the error. The event goes back to pending unless
	// permanent is set or maxRetries is reached.
	MarkFailed(ctx context.Context, id int64, errMsg string, permanent bool, maxRetries int) error
}

// Relay moves committed outbox rows to a Sink.
type Relay struct {
	log        *slog.Logger
	store      Store
	sink       Sink
	relayID    string
	batchSize  int
	interval   time.Duration
	lease      time.Duration
	maxRetries int
}

func NewRelay(log *slog.Logger, store Store, sink Sink, relayID string) *Relay {
	return &Relay{
		log:        log,
		store:      store,
		sink:       sink,
		relayID:    relayID,
		batchSize:  100,
		interval:   500 * time.Millisecond,
		lease:      30 * time.Second,
		maxRetries: 10,
	}
}

// WithInterval sets the polling interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Error("relay flush error", "err", err)
			}
		}
	}
}

// Flush dispatches one batch and returns how many events were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		if err := r.sink.Dispatch(ctx, e); err != nil {
			permanent := errors.Is(err, ErrPermanent)
			if permanent {
				r.log.Error("payment notification dead-lettered",
					"outbox_id", e.ID, "intent_id", e.Headers[HeaderIntentID], "owner", e.OwnerKey(), "err", err)
			}
			if markErr := r.store.MarkFailed(ctx, e.ID, err.Error(), permanent, r.maxRetries); markErr != nil {
				r.log.Error("relay mark failed error", "event_id", e.ID, "err", markErr)
			}
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		if err := r.store.MarkSent(ctx, ids); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
