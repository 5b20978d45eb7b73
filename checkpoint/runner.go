package checkpoint

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catga/catga/eventstore"
)

// Projection consumes events in stream order. A returned error stops the
// batch; the checkpoint stays at the last applied event, so the runner
// retries from there.
type Projection func(ctx context.Context, streamID string, ev eventstore.EventEnvelope) error

// Runner drives one named projection over a set of streams, committing the
// checkpoint after each applied event.
type Runner struct {
	name    string
	streams []string
	events  eventstore.Store
	cursors Store
	apply   Projection

	pollInterval time.Duration
	batchSize    int64
	done         chan struct{}
}

// NewRunner returns a Runner for the named projection over streams.
func NewRunner(name string, streams []string, events eventstore.Store, cursors Store, apply Projection) *Runner {
	return &Runner{
		name:         name,
		streams:      streams,
		events:       events,
		cursors:      cursors,
		apply:        apply,
		pollInterval: 200 * time.Millisecond,
		batchSize:    256,
		done:         make(chan struct{}),
	}
}

// CatchUp applies all events past the checkpoint, once, returning the
// number applied.
func (r *Runner) CatchUp(ctx context.Context) (int, error) {
	var applied int
	for _, streamID := range r.streams {
		var from, err = r.cursors.Get(ctx, r.name, streamID)
		if err != nil {
			return applied, err
		}
		for {
			var events, rerr = r.events.Read(ctx, streamID, from+1, from+r.batchSize)
			if rerr != nil {
				return applied, rerr
			}
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				if aerr := r.apply(ctx, streamID, ev); aerr != nil {
					log.WithFields(log.Fields{
						"projection": r.name,
						"stream":     streamID,
						"sequence":   ev.Sequence,
						"error":      aerr,
					}).Warn("projection apply failed")
					return applied, aerr
				}
				from = ev.Sequence
				if serr := r.cursors.Save(ctx, r.name, streamID, from); serr != nil {
					return applied, serr
				}
				applied++
			}
		}
	}
	return applied, nil
}

// Start polls for new events until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.done)
	log.WithField("projection", r.name).Info("projection runner started")

	var ticker = time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.WithField("projection", r.name).Info("projection runner stopped")
			return
		case <-ticker.C:
			if _, err := r.CatchUp(ctx); err != nil && ctx.Err() == nil {
				log.WithFields(log.Fields{"projection": r.name, "error": err}).Warn("projection catch-up failed")
			}
		}
	}
}

// Done is closed once Start has returned.
func (r *Runner) Done() <-chan struct{} { return r.done }
