package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"
	"github.com/openjproxy/ojp/ojperrors"
)

// Envelope type tags, generalizing the teacher's RPCRequest.Type switch
// (server/server.go handleMessage) to the full OJP RPC surface (spec.md
// §4.4).
const (
	TypeConnect      = "connect"
	TypeExecute      = "execute"
	TypeXAStart      = "xaStart"
	TypeXAEnd        = "xaEnd"
	TypeXAPrepare    = "xaPrepare"
	TypeXACommit     = "xaCommit"
	TypeXARollback   = "xaRollback"
	TypeXAForget     = "xaForget"
	TypeXARecover    = "xaRecover"
	TypeTerminate    = "terminate"
	TypeTxControl    = "txControl"
	TypeHeartbeat    = "heartbeat"
)

// Envelope is what travels as the AMQP message body in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// ClusterHealth rides on every request envelope (spec.md §4.4: "Every
	// RPC carries a clusterHealth field").
	ClusterHealth string `json:"clusterHealth,omitempty"`
	// Error carries a failure for response envelopes; Payload is empty
	// when Error is set.
	Error *ErrorTrailer `json:"error,omitempty"`
}

// TransportError is returned by Client.Call for RPC-layer failures
// (broker unreachable, reply never arrived, context cancelled). It
// implements ojperrors.StatusCoder so the classifier in spec.md §4.2 can
// tell these apart from database-level failures without the two packages
// needing a richer coupling.
type TransportError struct {
	Endpoint Endpoint
	Code     ojperrors.Code
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc to %s: %v", e.Endpoint, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) StatusCode() ojperrors.Code { return e.Code }

// Client is a thin AMQP RPC caller bound to a single broker connection,
// capable of addressing any server endpoint's queue. It holds no state
// beyond the connection, so MultinodeManager.Call and the heartbeat probe
// wrap the current broker connection in a fresh Client on every call.
type Client struct {
	conn *amqp.Connection
}

// NewClient wraps an already-established AMQP connection.
func NewClient(conn *amqp.Connection) *Client {
	return &Client{conn: conn}
}

// Call publishes env to target's queue and blocks for the correlated
// reply, generalizing the teacher's per-query channel/reply-queue dance in
// client/conn.go queryRPC and client/tx.go executeTransactionCommand to an
// arbitrary envelope type and an arbitrary target endpoint.
func (c *Client) Call(ctx context.Context, target Endpoint, env Envelope) (Envelope, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return Envelope{}, &TransportError{Endpoint: target, Code: ojperrors.CodeUnavailable, Cause: err}
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return Envelope{}, &TransportError{Endpoint: target, Code: ojperrors.CodeUnavailable, Cause: err}
	}

	corrID := uuid.NewString()
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope: %w", err)
	}

	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return Envelope{}, &TransportError{Endpoint: target, Code: ojperrors.CodeUnavailable, Cause: err}
	}

	err = ch.PublishWithContext(ctx, "", target.QueueName(), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		return Envelope{}, &TransportError{Endpoint: target, Code: ojperrors.CodeUnavailable, Cause: err}
	}

	select {
	case <-ctx.Done():
		code := ojperrors.CodeDeadlineExceeded
		if ctx.Err() == context.Canceled {
			code = ojperrors.CodeCanceled
		}
		return Envelope{}, &TransportError{Endpoint: target, Code: code, Cause: ctx.Err()}
	case msg, ok := <-msgs:
		if !ok {
			return Envelope{}, &TransportError{Endpoint: target, Code: ojperrors.CodeUnavailable, Cause: fmt.Errorf("reply channel closed")}
		}
		if msg.CorrelationId != corrID {
			return Envelope{}, fmt.Errorf("correlation id mismatch: expected %s got %s", corrID, msg.CorrelationId)
		}
		var reply Envelope
		if err := json.Unmarshal(msg.Body, &reply); err != nil {
			return Envelope{}, fmt.Errorf("unmarshal reply: %w", err)
		}
		if reply.Error != nil {
			return reply, fmt.Errorf("%s", reply.Error.Reason)
		}
		return reply, nil
	}
}

// Ping issues a lightweight heartbeat call, used by the client-side
// per-endpoint health monitor (client/heartbeat.go).
func (c *Client) Ping(ctx context.Context, target Endpoint, clientUUID string) error {
	payload, _ := json.Marshal(HeartbeatRequest{ClientUUID: clientUUID})
	_, err := c.Call(ctx, target, Envelope{Type: TypeHeartbeat, Payload: payload})
	return err
}

// DefaultCallTimeout mirrors the teacher's default 5s client timeout
// (client/driver.go DSNConfig.Timeout default). Call does not apply it: a
// Call waits only as long as the ctx it is given allows.
const DefaultCallTimeout = 5 * time.Second
