package domain

import (
	"fmt"
	"time"
)

// OutcomeType — асинхронный исход транзакции, прилетающий постфактум
// от платежной сети или диспутного контура.
type OutcomeType string

const (
	OutcomeApproved   OutcomeType = "approved"
	OutcomeDeclined   OutcomeType = "declined"
	OutcomeChargeback OutcomeType = "chargeback"
	OutcomeRefund     OutcomeType = "refund"
)

// Outcome — событие исхода. Питает decline-счетчики velocity
// и chargeback/refund-агрегаты профилей.
type Outcome struct {
	TransactionID string      `json:"transaction_id"`
	OutcomeType   OutcomeType `json:"outcome_type"`

	CardToken string `json:"card_token,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	AmountCents int64  `json:"amount_cents,omitempty"`
	ReasonCode  string `json:"reason_code,omitempty"` // код сети: fraud, product_not_received...

	Timestamp time.Time `json:"timestamp"`
}

func (o *Outcome) Validate() error {
	if o.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction_id", ErrInvalidEvent)
	}
	switch o.OutcomeType {
	case OutcomeApproved, OutcomeDeclined, OutcomeChargeback, OutcomeRefund:
	default:
		return fmt.Errorf("%w: unknown outcome_type %q", ErrInvalidEvent, o.OutcomeType)
	}
	if o.CardToken == "" && o.UserID == "" && o.DeviceID == "" {
		return fmt.Errorf("%w: outcome without any entity reference", ErrInvalidEvent)
	}
	return nil
}

// OutcomeTime — таймстемп исхода с подстановкой "сейчас".
func (o *Outcome) OutcomeTime() time.Time {
	if o.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return o.Timestamp
}
