// Package redistransport carries catga messages over Redis Streams with
// consumer groups. Each message type gets one stream; subscribers in the
// same group share it, and a background claim sweep reclaims entries left
// pending by failed consumers.
package redistransport

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/catga/catga/transport"
)

const (
	streamKeyPrefix = "catga:stream:"
	payloadField    = "payload"
	replyToField    = "catga.reply_to"
)

// Config tunes the Redis transport.
type Config struct {
	// BatchSize is the XREADGROUP count per poll.
	BatchSize int
	// Block is the XREADGROUP block duration.
	Block time.Duration
	// ClaimIdle is the pending-entry idle time after which another
	// consumer may reclaim a message.
	ClaimIdle time.Duration
	// ClaimInterval paces the claim sweep.
	ClaimInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 10 * time.Second
	}
	return c
}

// Transport is the Redis Streams transport.
type Transport struct {
	client redis.UniversalClient
	cfg    Config

	hostID     string
	workerSeq  atomic.Uint64
	cancel     context.CancelFunc
	runCtx     context.Context
	wg         sync.WaitGroup
	closedOnce sync.Once
}

// New returns a Transport over client.
func New(client redis.UniversalClient, cfg Config) *Transport {
	var host, _ = os.Hostname()
	if host == "" {
		host = "unknown"
	}
	var ctx, cancel = context.WithCancel(context.Background())
	return &Transport{
		client: client,
		cfg:    cfg.withDefaults(),
		hostID: host,
		runCtx: ctx,
		cancel: cancel,
	}
}

// streamKey maps a subject to its stream: one stream per message type.
func streamKey(subject string) string {
	var fqn = subject
	for _, prefix := range []string{"catga.request.", "catga.event."} {
		if strings.HasPrefix(subject, prefix) {
			fqn = subject[len(prefix):]
			break
		}
	}
	return streamKeyPrefix + fqn
}

func (t *Transport) consumerID() string {
	return fmt.Sprintf("%s-%d-%d", t.hostID, os.Getpid(), t.workerSeq.Add(1))
}

func encodeValues(tc transport.Context, payload []byte, replyTo string) map[string]interface{} {
	var values = make(map[string]interface{})
	for k, v := range transport.EncodeHeaders(tc) {
		values[k] = v
	}
	values[payloadField] = payload
	if replyTo != "" {
		values[replyToField] = replyTo
	}
	return values
}

func decodeValues(values map[string]interface{}) (transport.Delivery, string) {
	var headers = make(map[string]string, len(values))
	var payload []byte
	var replyTo string
	for k, v := range values {
		var s, _ = v.(string)
		switch k {
		case payloadField:
			payload = []byte(s)
		case replyToField:
			replyTo = s
		default:
			headers[k] = s
		}
	}
	return transport.Delivery{Context: transport.DecodeHeaders(headers), Payload: payload}, replyTo
}

func (t *Transport) add(ctx context.Context, subject string, tc transport.Context, payload []byte, replyTo string) error {
	var err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(subject),
		Values: encodeValues(tc, payload, replyTo),
	}).Err()
	if err != nil {
		return fmt.Errorf("XADD %q: %w", streamKey(subject), err)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, tc transport.Context, payload []byte) error {
	return t.add(ctx, transport.EventSubject(tc.MessageType), tc, payload, "")
}

func (t *Transport) SendAndReceive(ctx context.Context, tc transport.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var replyID = uuid.NewString()
	var replyChannel = transport.ReplySubject(replyID)
	var pubsub = t.client.Subscribe(ctx, replyChannel)
	defer pubsub.Close()
	// Force the SUBSCRIBE round-trip before publishing the request, so the
	// reply cannot race the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribing reply channel: %w", err)
	}

	if err := t.add(ctx, transport.RequestSubject(tc.MessageType), tc, payload, replyChannel); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-pubsub.Channel():
		if !ok {
			return nil, fmt.Errorf("reply channel closed")
		}
		return []byte(msg.Payload), nil
	}
}

type redisSub struct {
	cancel context.CancelFunc
	done   *sync.WaitGroup
}

func (s *redisSub) Unsubscribe() error {
	s.cancel()
	s.done.Wait()
	return nil
}

func (t *Transport) Subscribe(subject, queueGroup string, h transport.Handler) (transport.Subscription, error) {
	var key = streamKey(subject)
	var group = queueGroup
	if group == "" {
		// Ungrouped subscribers still need a group to track their own
		// cursor; a unique one makes delivery broadcast.
		group = "solo-" + uuid.NewString()
	}

	var err = t.client.XGroupCreateMkStream(t.runCtx, key, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("creating group %q on %q: %w", group, key, err)
	}

	var subCtx, cancel = context.WithCancel(t.runCtx)
	var sub = &redisSub{cancel: cancel, done: &sync.WaitGroup{}}
	var consumer = t.consumerID()

	sub.done.Add(2)
	t.wg.Add(2)
	go func() {
		defer sub.done.Done()
		defer t.wg.Done()
		t.readLoop(subCtx, key, group, consumer, h)
	}()
	go func() {
		defer sub.done.Done()
		defer t.wg.Done()
		t.claimLoop(subCtx, key, group, consumer, h)
	}()
	return sub, nil
}

func (t *Transport) readLoop(ctx context.Context, key, group, consumer string, h transport.Handler) {
	for ctx.Err() == nil {
		var streams, err = t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    int64(t.cfg.BatchSize),
			Block:    t.cfg.Block,
		}).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithFields(log.Fields{"stream": key, "error": err}).Warn("XREADGROUP failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				t.handleMessage(ctx, key, group, msg, h)
			}
		}
	}
}

// claimLoop periodically reclaims entries idle beyond ClaimIdle from the
// group's pending list, recovering messages of crashed consumers.
func (t *Transport) claimLoop(ctx context.Context, key, group, consumer string, h transport.Handler) {
	var ticker = time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var start = "0-0"
		for {
			var msgs, next, err = t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   key,
				Group:    group,
				Consumer: consumer,
				MinIdle:  t.cfg.ClaimIdle,
				Start:    start,
				Count:    int64(t.cfg.BatchSize),
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					log.WithFields(log.Fields{"stream": key, "error": err}).Warn("XAUTOCLAIM failed")
				}
				break
			}
			for _, msg := range msgs {
				t.handleMessage(ctx, key, group, msg, h)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (t *Transport) handleMessage(ctx context.Context, key, group string, msg redis.XMessage, h transport.Handler) {
	var d, replyTo = decodeValues(msg.Values)

	var reply, err = h(ctx, d)
	if err != nil {
		// Leave the entry pending; the claim sweep or a retry will take it.
		log.WithFields(log.Fields{
			"stream":    key,
			"messageId": d.MessageID,
			"error":     err,
		}).Warn("redis stream handler failed")
		return
	}
	if replyTo != "" {
		if perr := t.client.Publish(ctx, replyTo, reply).Err(); perr != nil {
			log.WithFields(log.Fields{"channel": replyTo, "error": perr}).Warn("publishing reply failed")
		}
	}
	if aerr := t.client.XAck(ctx, key, group, msg.ID).Err(); aerr != nil {
		log.WithFields(log.Fields{"stream": key, "error": aerr}).Warn("XACK failed")
	}
}

func (t *Transport) Close() error {
	t.closedOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
	return nil
}
