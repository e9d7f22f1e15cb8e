package ingestion

import (
	"context"
	"errors"

	"MarginRisk/internal/core"
	"MarginRisk/internal/event"
	"MarginRisk/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the part of core.RiskEngine the dispatcher drives.
type Engine interface {
	ApplyOracleUpdate(ctx context.Context, upd *event.OracleUpdate) error
	ApplyFundingUpdate(ctx context.Context, upd *event.FundingUpdate) error
	ExecuteBundle(ctx context.Context, requestID string, accountID uuid.UUID, instrs []core.Instruction) (*core.Result, error)
}

// Dispatcher parses raw messages and applies them to the engine.
// Malformed payloads and deterministic rejections are acked, since a
// redelivery would fail the same way; only internal failures are nakked.
type Dispatcher struct {
	engine Engine
	input  <-chan RawEvent
	log    zerolog.Logger
}

func NewDispatcher(engine Engine, input <-chan RawEvent) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		input:  input,
		log:    observability.NewLogger("dispatcher"),
	}
}

// Run handles messages until ctx is cancelled or input closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle applies one message and settles it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	err := d.apply(ctx, raw)
	switch {
	case err == nil:
		settle(raw.AckFunc)
	case errors.Is(err, ErrMalformed):
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		settle(raw.AckFunc)
	case core.ErrorKind(err) != "Internal":
		d.log.Debug().Err(err).Str("subject", raw.Subject).Str("kind", core.ErrorKind(err)).Msg("message rejected")
		settle(raw.AckFunc)
	default:
		d.log.Error().Err(err).Str("subject", raw.Subject).Msg("message failed, requesting redelivery")
		settle(raw.NakFunc)
	}
}

func (d *Dispatcher) apply(ctx context.Context, raw RawEvent) error {
	switch raw.Kind {
	case KindOracle:
		upd, err := ParseOracleUpdate(raw.Data)
		if err != nil {
			return err
		}
		return d.engine.ApplyOracleUpdate(ctx, upd)
	case KindFunding:
		upd, err := ParseFundingUpdate(raw.Data)
		if err != nil {
			return err
		}
		return d.engine.ApplyFundingUpdate(ctx, upd)
	case KindInstruction:
		b, err := ParseBundle(raw.Data)
		if err != nil {
			return err
		}
		_, err = d.engine.ExecuteBundle(ctx, b.RequestID, b.AccountID, b.Instructions)
		return err
	default:
		return ErrMalformed
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
