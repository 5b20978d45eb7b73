package dlq

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/catga/catga/transport"
)

// Replayer re-emits dead-lettered messages through the transport.
type Replayer struct {
	queue Queue
	pub   transport.Publisher
}

// NewReplayer returns a Replayer over queue and pub.
func NewReplayer(queue Queue, pub transport.Publisher) *Replayer {
	return &Replayer{queue: queue, pub: pub}
}

// Replay publishes the record for messageID back onto its subject and
// removes it from the queue on success.
func (r *Replayer) Replay(ctx context.Context, messageID uint64) error {
	var rec, ok, err = r.queue.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dlq: message %d not found", messageID)
	}

	var tc = transport.Context{
		MessageID:     rec.MessageID,
		CorrelationID: rec.CorrelationID,
		MessageType:   rec.Type,
	}
	if err := r.pub.Publish(ctx, tc, rec.Payload); err != nil {
		return fmt.Errorf("dlq replay %d: %w", messageID, err)
	}
	log.WithFields(log.Fields{
		"messageId":   rec.MessageID,
		"messageType": rec.Type,
		"attempts":    rec.Attempts,
	}).Info("replayed dead-lettered message")
	return r.queue.Remove(ctx, messageID)
}
