// Package client is the public producer-facing surface: the Enqueue API
// consumed by webhook ingress and the outbound-reply producer (spec §6).
// It never surfaces Redis internals to callers — any failure comes back as
// a sanitized result, never a queuecore or redisconn error value.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/redisconn"
	"github.com/muaviaUsmani/chatqueue/internal/serialization"
)

// enqueueAttempts and enqueueRetryBackoff bound the retry-on-transient-error
// loop around a queue write: the producer-facing contract is "retried by the
// caller on transient Redis error", and this client is that caller.
const (
	enqueueAttempts     = 3
	enqueueRetryBackoff = 100 * time.Millisecond
)

// EnqueueResult is the sanitized response shape for every Enqueue* method,
// matching spec §6's `{ok, jobId, position}` / `{ok:false, error}` contract.
type EnqueueResult struct {
	OK       bool   `json:"ok"`
	JobID    string `json:"jobId,omitempty"`
	Position *int64 `json:"position,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client is the producer-facing handle onto the Queue Core. It owns its own
// Connection Manager rather than sharing one with a running engine process,
// since callers of this package are typically separate processes (an HTTP
// ingress, a platform-reply producer) that never run the Dispatcher.
type Client struct {
	conn *redisconn.Manager
	core *queuecore.Core
}

// New builds a Client bound to redisURL, namespacing every key it touches
// under keyPrefix (e.g. "chatqueue:"), matching the Queue Core's own
// namespacing so both sides of a deployment agree on key layout.
func New(redisURL, keyPrefix string) (*Client, error) {
	conn, err := redisconn.New(redisURL)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &Client{
		conn: conn,
		core: queuecore.New(conn, keyPrefix),
	}, nil
}

// Close releases every Redis connection this client opened.
func (c *Client) Close() error {
	return c.conn.CloseAll()
}

type webhookPayload struct {
	EventID  string          `json:"eventId"`
	Platform string          `json:"platform"`
	Body     json.RawMessage `json:"body"`
}

type aiResponsePayload struct {
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	Message        string `json:"message"`
	Platform       string `json:"platform"`
}

type chatRelayPayload struct {
	EventID           string          `json:"eventId"`
	Username          string          `json:"username"`
	ConversationID    string          `json:"conversationId"`
	IncomingMessageID string          `json:"incomingMessageId"`
	MessageText       string          `json:"messageText"`
	ImageRefs         []string        `json:"imageRefs,omitempty"`
	SessionData       json.RawMessage `json:"sessionData,omitempty"`
}

// EnqueueWebhook enqueues an inbound webhook event for async processing.
// Spec §6: enqueueWebhook(eventId, payload, merchantId, platform, priority) → {ok, jobId, position}.
// webhook-inbound carries a platform event body, so it is wire-encoded as a
// format-prefixed protobuf structpb.Struct envelope rather than plain JSON
// (internal/serialization's converter exists for exactly this).
func (c *Client) EnqueueWebhook(ctx context.Context, eventID string, payload json.RawMessage, merchantID, platform string, priority job.Priority) EnqueueResult {
	body, err := protoEnvelopePayload(webhookPayload{EventID: eventID, Platform: platform, Body: payload})
	if err != nil {
		return c.sanitizedFailure(err)
	}
	return c.enqueue(ctx, job.ClassWebhookInbound, body, merchantID, priority)
}

// EnqueueAIResponse enqueues a request to generate and deliver an AI reply.
// Spec §6: enqueueAiResponse(conversationId, merchantId, customerId, message, platform, priority) → {ok, jobId}.
// The Queue Core still assigns a waiting-set position; callers who need it
// can read EnqueueResult.Position, but the spec leaves it unused here.
func (c *Client) EnqueueAIResponse(ctx context.Context, conversationID, merchantID, customerID, message, platform string, priority job.Priority) EnqueueResult {
	body, err := json.Marshal(aiResponsePayload{
		ConversationID: conversationID,
		CustomerID:     customerID,
		Message:        message,
		Platform:       platform,
	})
	if err != nil {
		return c.sanitizedFailure(err)
	}
	return c.enqueue(ctx, job.ClassAIResponse, body, merchantID, priority)
}

// EnqueueChatRelay enqueues an inbound chat message for relay processing.
// Spec §6: enqueueChatRelay(eventId, merchantId, username, conversationId,
// incomingMessageId, messageText, imageRefs[], sessionData, priority) → {ok, jobId, position}.
// chat-relay-processing carries a platform event body too, so it gets the
// same format-prefixed protobuf envelope as EnqueueWebhook.
func (c *Client) EnqueueChatRelay(ctx context.Context, eventID, merchantID, username, conversationID, incomingMessageID, messageText string, imageRefs []string, sessionData json.RawMessage, priority job.Priority) EnqueueResult {
	body, err := protoEnvelopePayload(chatRelayPayload{
		EventID:           eventID,
		Username:          username,
		ConversationID:    conversationID,
		IncomingMessageID: incomingMessageID,
		MessageText:       messageText,
		ImageRefs:         imageRefs,
		SessionData:       sessionData,
	})
	if err != nil {
		return c.sanitizedFailure(err)
	}
	return c.enqueue(ctx, job.ClassChatRelayProcessing, body, merchantID, priority)
}

// protoEnvelopePayload round-trips v through JSON into a map so it can be
// wrapped in a structpb.Struct and marshaled as a genuine format-prefixed
// protobuf message via job.DefaultSerializer, rather than handing queuecore
// plain JSON bytes.
func protoEnvelopePayload(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	envelope, err := serialization.JSONToEnvelope(decoded)
	if err != nil {
		return nil, err
	}
	return job.DefaultSerializer.Marshal(envelope)
}

func (c *Client) enqueue(ctx context.Context, class job.Class, payload []byte, merchantID string, priority job.Priority) EnqueueResult {
	if c == nil || c.core == nil {
		return EnqueueResult{OK: false, Error: "queue unavailable"}
	}

	opts := job.Options{Priority: priority}

	var result *queuecore.EnqueueResult
	var err error
	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		result, err = c.core.EnqueueForMerchant(ctx, class, payload, merchantID, opts)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return c.sanitizedFailure(ctx.Err())
		case <-time.After(enqueueRetryBackoff):
		}
	}
	if err != nil {
		return c.sanitizedFailure(err)
	}

	return EnqueueResult{OK: true, JobID: result.ID, Position: result.Position}
}

// sanitizedFailure never leaks the underlying Redis error text to a
// producer, per spec §7's "enqueue APIs never surface Redis internals".
func (c *Client) sanitizedFailure(err error) EnqueueResult {
	if res := c.conn.HealthCheck(context.Background(), redisconn.UsageQueueBackend); !res.OK {
		return EnqueueResult{OK: false, Error: "queue unavailable"}
	}
	return EnqueueResult{OK: false, Error: "failed to enqueue job"}
}
