package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOracleUpdate
	EventTypeInstructionApplied
	EventTypeLiquidationCandidate
	EventTypeTokenLiquidation
	EventTypeAccountBankrupt
	EventTypeBankruptcyResolved
	EventTypeFundingUpdate
)

// EventEnvelope wraps every risk event in the log.
type EventEnvelope struct {
	EventID uuid.UUID

	// Monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream (request id, oracle sequence)
	IdempotencyKey string

	EventType EventType

	// Nil for global events such as oracle updates
	AccountID *uuid.UUID

	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256(prev_hash || sequence || health cache digest)
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all event payloads implement.
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	// Account returns the account the event concerns, nil for global events.
	Account() *uuid.UUID
}

func (et EventType) String() string {
	switch et {
	case EventTypeOracleUpdate:
		return "OracleUpdate"
	case EventTypeInstructionApplied:
		return "InstructionApplied"
	case EventTypeLiquidationCandidate:
		return "LiquidationCandidate"
	case EventTypeTokenLiquidation:
		return "TokenLiquidation"
	case EventTypeAccountBankrupt:
		return "AccountBankrupt"
	case EventTypeBankruptcyResolved:
		return "BankruptcyResolved"
	case EventTypeFundingUpdate:
		return "FundingUpdate"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeOracleUpdate; et <= EventTypeFundingUpdate; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// Encode serializes evt as the envelope payload.
func Encode(evt Event) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return b, nil
}

// Decode is the inverse of Encode for the payload of an envelope of type et.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeOracleUpdate:
		evt = &OracleUpdate{}
	case EventTypeInstructionApplied:
		evt = &InstructionApplied{}
	case EventTypeLiquidationCandidate:
		evt = &LiquidationCandidate{}
	case EventTypeTokenLiquidation:
		evt = &TokenLiquidation{}
	case EventTypeAccountBankrupt:
		evt = &AccountBankrupt{}
	case EventTypeBankruptcyResolved:
		evt = &BankruptcyResolved{}
	case EventTypeFundingUpdate:
		evt = &FundingUpdate{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
