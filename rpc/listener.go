package rpc

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one request envelope and returns the response envelope
// to publish back to the caller's reply queue. Handlers never see transport
// concerns (correlation ids, reply queues) — Listener owns those.
type Handler func(ctx context.Context, req Envelope) Envelope

// Listener consumes RPC requests off a single server endpoint's queue and
// dispatches them to a Handler, replying on whatever ReplyTo/CorrelationId
// the caller supplied. It generalizes the teacher's single-queue consume
// loop in server/server.go Start to the multi-endpoint OJP server, which
// owns exactly one Listener per endpoint it exposes.
type Listener struct {
	ch       *amqp.Channel
	endpoint Endpoint
	log      *zap.Logger
}

// NewListener declares the endpoint's well-known queue and returns a
// Listener ready to Serve.
func NewListener(conn *amqp.Connection, endpoint Endpoint, log *zap.Logger) (*Listener, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(endpoint.QueueName(), true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	// No prefetch limit: Serve hands every delivery to its own goroutine
	// and acks it only after handling, so a prefetch of 1 would serialize
	// the endpoint. The Handler's worker pool caps concurrent work instead.
	if err := ch.Qos(0, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	return &Listener{ch: ch, endpoint: endpoint, log: log}, nil
}

// Serve blocks, dispatching incoming requests to handle until ctx is
// cancelled or the underlying channel closes. Each message is handled on
// its own goroutine so a slow statement execution doesn't stall unrelated
// sessions bound to the same endpoint (spec.md §5 "server concurrency").
func (l *Listener) Serve(ctx context.Context, handle Handler) error {
	msgs, err := l.ch.Consume(l.endpoint.QueueName(), "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			go l.handleOne(ctx, msg, handle)
		}
	}
}

func (l *Listener) handleOne(ctx context.Context, msg amqp.Delivery, handle Handler) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic handling rpc request", zap.Any("recover", r), zap.String("endpoint", l.endpoint.String()))
			_ = msg.Nack(false, false)
		}
	}()

	var req Envelope
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		l.log.Warn("malformed rpc envelope", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	resp := handle(ctx, req)

	body, err := json.Marshal(resp)
	if err != nil {
		l.log.Error("marshal rpc response", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	if msg.ReplyTo != "" {
		if err := l.ch.PublishWithContext(ctx, "", msg.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.CorrelationId,
			Body:          body,
		}); err != nil {
			l.log.Error("publish rpc reply", zap.Error(err), zap.String("endpoint", l.endpoint.String()))
			_ = msg.Nack(false, false)
			return
		}
	}
	_ = msg.Ack(false)
}

// Close releases the listener's channel.
func (l *Listener) Close() error {
	return l.ch.Close()
}
