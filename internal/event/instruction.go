package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InstructionApplied records a committed instruction bundle and the account's
// health afterwards. Health fields are empty when a price was unusable.
type InstructionApplied struct {
	RequestID    string           `json:"request_id"`
	AccountID    uuid.UUID        `json:"account_id"`
	Instructions []string         `json:"instructions"`
	Version      int64            `json:"version"`
	InitHealth   *decimal.Decimal `json:"init_health,omitempty"`
	MaintHealth  *decimal.Decimal `json:"maint_health,omitempty"`
}

func (i *InstructionApplied) IdempotencyKey() string {
	return i.RequestID
}

func (i *InstructionApplied) EventType() EventType {
	return EventTypeInstructionApplied
}

func (i *InstructionApplied) Account() *uuid.UUID {
	return &i.AccountID
}
