package event

import (
	"time"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeDonationReceived
	TypeFundsAllocated
	TypeFundsSpent
	TypeSpendingReason
	TypeReceiptRequested
	TypeReceiptMinted
	TypeLeftoverTransferred
	TypeEmergencySwept
)

// Envelope wraps every event appended to the log
type Envelope struct {
	// Global monotonic sequence assigned by the tracker engine
	Sequence int64

	// Idempotency key of the command that produced this event
	IdempotencyKey string

	// Event type discriminator
	EventType Type

	// Timestamp the engine applied the producing command at
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of tracker state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() Type
}

func (t Type) String() string {
	switch t {
	case TypeDonationReceived:
		return "DonationReceived"
	case TypeFundsAllocated:
		return "FundsAllocated"
	case TypeFundsSpent:
		return "FundsSpent"
	case TypeSpendingReason:
		return "SpendingReason"
	case TypeReceiptRequested:
		return "ReceiptRequested"
	case TypeReceiptMinted:
		return "ReceiptMinted"
	case TypeLeftoverTransferred:
		return "LeftoverTransferred"
	case TypeEmergencySwept:
		return "EmergencySwept"
	default:
		return "Unknown"
	}
}
