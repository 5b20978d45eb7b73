// Package natstransport carries catga messages over NATS core subjects.
// Queue groups load-balance request handlers; request/reply rides NATS's
// reply-inbox mechanism with the catga correlation headers attached.
package natstransport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/catga/catga/transport"
)

// Transport is the NATS-backed transport.
type Transport struct {
	nc *nats.Conn
}

// New wraps an established NATS connection. The caller owns the
// connection's lifecycle unless Close is used.
func New(nc *nats.Conn) *Transport {
	return &Transport{nc: nc}
}

// Connect dials url and returns a Transport owning the connection.
func Connect(url string, opts ...nats.Option) (*Transport, error) {
	var nc, err = nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %q: %w", url, err)
	}
	return &Transport{nc: nc}, nil
}

func toNATSMsg(subject string, tc transport.Context, payload []byte) *nats.Msg {
	var msg = nats.NewMsg(subject)
	msg.Data = payload
	for k, v := range transport.EncodeHeaders(tc) {
		msg.Header.Set(k, v)
	}
	return msg
}

func fromNATSMsg(msg *nats.Msg) transport.Delivery {
	var h = make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		h[k] = msg.Header.Get(k)
	}
	return transport.Delivery{Context: transport.DecodeHeaders(h), Payload: msg.Data}
}

func (t *Transport) Publish(ctx context.Context, tc transport.Context, payload []byte) error {
	var err = t.nc.PublishMsg(toNATSMsg(transport.EventSubject(tc.MessageType), tc, payload))
	if err != nil {
		return fmt.Errorf("publishing %q: %w", tc.MessageType, err)
	}
	return nil
}

func (t *Transport) SendAndReceive(ctx context.Context, tc transport.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var msg = toNATSMsg(transport.RequestSubject(tc.MessageType), tc, payload)
	var reply, err = t.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("request %q: %w", tc.MessageType, err)
	}
	return reply.Data, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

func (t *Transport) Subscribe(subject, queueGroup string, h transport.Handler) (transport.Subscription, error) {
	var cb = func(msg *nats.Msg) {
		var d = fromNATSMsg(msg)
		var reply, err = h(context.Background(), d)
		if err != nil {
			log.WithFields(log.Fields{
				"subject":   subject,
				"messageId": d.MessageID,
				"error":     err,
			}).Warn("nats handler failed")
		}
		if msg.Reply != "" {
			if perr := msg.Respond(reply); perr != nil {
				log.WithFields(log.Fields{"subject": subject, "error": perr}).Warn("nats reply failed")
			}
		}
	}

	var sub *nats.Subscription
	var err error
	if queueGroup != "" {
		sub, err = t.nc.QueueSubscribe(subject, queueGroup, cb)
	} else {
		sub, err = t.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribing %q: %w", subject, err)
	}
	return natsSub{sub: sub}, nil
}

func (t *Transport) Close() error {
	t.nc.Drain()
	return nil
}
