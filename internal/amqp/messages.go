package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// Settlement outcomes reported by the network gateway.
const (
	OutcomeSettled  = "settled"
	OutcomeRejected = "rejected"
)

// SubmitMessage asks the settlement gateway to execute a transfer on the
// external network. The gateway answers on the result queue.
type SubmitMessage struct {
	TransactionID  string    `json:"transaction_id"`
	AmountCents    int64     `json:"amount_cents"`
	CounterpartyID string    `json:"counterparty_id"`
	NetworkID      string    `json:"network_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewSubmitMessage(transactionID string, amountCents int64, counterpartyID, networkID string) *SubmitMessage {
	return &SubmitMessage{
		TransactionID:  transactionID,
		AmountCents:    amountCents,
		CounterpartyID: counterpartyID,
		NetworkID:      networkID,
		Timestamp:      time.Now(),
	}
}

func (m *SubmitMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SubmitMessageFromJSON(data []byte) (*SubmitMessage, error) {
	var msg SubmitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ResultMessage is the gateway's verdict on a submitted transfer.
// SettlementRef is set on a settled outcome, Reason on a rejection.
type ResultMessage struct {
	TransactionID string    `json:"transaction_id"`
	Outcome       string    `json:"outcome"`
	SettlementRef string    `json:"settlement_ref,omitempty"`
	NetworkID     string    `json:"network_id"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (m *ResultMessage) Validate() error {
	if m.TransactionID == "" {
		return fmt.Errorf("result message has no transaction id")
	}
	switch m.Outcome {
	case OutcomeSettled:
		if m.SettlementRef == "" {
			return fmt.Errorf("settled result for %s has no settlement ref", m.TransactionID)
		}
	case OutcomeRejected:
	default:
		return fmt.Errorf("unknown outcome %q for %s", m.Outcome, m.TransactionID)
	}
	return nil
}

func (m *ResultMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ResultMessageFromJSON(data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
