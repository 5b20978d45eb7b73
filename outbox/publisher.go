package outbox

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catga/catga/dlq"
	"github.com/catga/catga/transport"
)

// PublisherConfig tunes the publisher loop.
type PublisherConfig struct {
	BatchSize       int
	LeaseDuration   time.Duration
	PublishInterval time.Duration
	// MaxAttempts is the publish budget before a record is dead-lettered.
	MaxAttempts int
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 200 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Publisher is the single logical worker that drains the outbox: lease a
// batch, publish each record over the transport, and mark the outcome.
// FIFO order within the partition follows lease order (CreatedAt
// ascending).
type Publisher struct {
	store Store
	pub   transport.Publisher
	dead  dlq.Queue // optional
	cfg   PublisherConfig

	done chan struct{}
}

// NewPublisher returns a Publisher. dead may be nil, in which case records
// that exhaust MaxAttempts stay Failed in the store.
func NewPublisher(store Store, pub transport.Publisher, dead dlq.Queue, cfg PublisherConfig) *Publisher {
	return &Publisher{
		store: store,
		pub:   pub,
		dead:  dead,
		cfg:   cfg.withDefaults(),
		done:  make(chan struct{}),
	}
}

// Start runs the publish loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	defer close(p.done)
	log.WithFields(log.Fields{
		"batchSize": p.cfg.BatchSize,
		"interval":  p.cfg.PublishInterval,
	}).Info("outbox publisher started")

	var ticker = time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			// Drain until the backlog is shorter than a full batch.
			for {
				var n, err = p.RunOnce(ctx)
				if err != nil || n < p.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// Done is closed once Start has returned.
func (p *Publisher) Done() <-chan struct{} { return p.done }

// RunOnce leases and publishes a single batch, returning how many records
// were leased.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	var batch, err = p.store.LeasePending(ctx, p.cfg.BatchSize, p.cfg.LeaseDuration)
	if err != nil {
		log.WithField("error", err).Warn("outbox lease failed")
		return 0, err
	}

	for _, rec := range batch {
		p.publishOne(ctx, rec)
	}
	return len(batch), nil
}

func (p *Publisher) publishOne(ctx context.Context, rec Record) {
	var tc = transport.Context{
		MessageID:     rec.MessageID,
		CorrelationID: rec.CorrelationID,
		MessageType:   rec.MessageType,
		SentAt:        time.Now(),
	}
	var err = p.pub.Publish(ctx, tc, rec.Payload)
	if err == nil {
		if merr := p.store.MarkPublished(ctx, rec.ID); merr != nil {
			log.WithFields(log.Fields{"id": rec.ID, "error": merr}).Warn("outbox mark published failed")
			return
		}
		outboxPublished.Inc()
		return
	}

	var attempts = rec.Attempts + 1
	log.WithFields(log.Fields{
		"id":          rec.ID,
		"messageId":   rec.MessageID,
		"messageType": rec.MessageType,
		"attempts":    attempts,
		"error":       err,
	}).Warn("outbox publish failed")
	outboxFailed.Inc()

	if attempts < p.cfg.MaxAttempts {
		if rerr := p.store.Requeue(ctx, rec.ID, err.Error()); rerr != nil {
			log.WithFields(log.Fields{"id": rec.ID, "error": rerr}).Warn("outbox requeue failed")
		}
		return
	}

	if merr := p.store.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
		log.WithFields(log.Fields{"id": rec.ID, "error": merr}).Warn("outbox mark failed failed")
	}
	if p.dead != nil {
		var derr = p.dead.Enqueue(ctx, dlq.Record{
			MessageID:     rec.MessageID,
			Type:          rec.MessageType,
			Payload:       rec.Payload,
			LastError:     err.Error(),
			Attempts:      attempts,
			CorrelationID: rec.CorrelationID,
		})
		if derr != nil {
			log.WithFields(log.Fields{"id": rec.ID, "error": derr}).Error("dead-lettering outbox record failed")
		}
	}
}
