package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"MarginRisk/internal/core"
	"MarginRisk/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const outboundStream = "RISK_EVENTS"

// Publisher is the JetStream publish call; jetstream.JetStream satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes engine outputs for downstream consumers on
// risk.events.{event_type}[.{account_id}].
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.Output
	log       zerolog.Logger
}

// PublishedEvent is the outbound wire format.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	AccountID      *string         `json:"account_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.Output) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input closes. Failures are
// logged and skipped; consumers can read the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Subject returns the subject an output is published on.
func Subject(out core.Output) string {
	subject := fmt.Sprintf("risk.events.%s", out.Envelope.EventType)
	if out.Envelope.AccountID != nil {
		subject = fmt.Sprintf("%s.%s", subject, out.Envelope.AccountID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	env := out.Envelope
	msg := PublishedEvent{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.AccountID != nil {
		id := env.AccountID.String()
		msg.AccountID = &id
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, Subject(out), data, jetstream.WithMsgID(env.EventID.String()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      outboundStream,
		Subjects:  []string{"risk.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}
