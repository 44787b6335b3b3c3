package tracker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Command is a state-mutating operation submitted to the engine. Every
// command carries a client-supplied request id used as its idempotency key;
// a command seen twice is skipped the second time.
type Command interface {
	// Name returns the command type discriminator (stable, used in the log).
	Name() string

	// Key returns the idempotency key.
	Key() string
}

// Donate records a new contribution lot for Donator.
type Donate struct {
	RequestID uuid.UUID `json:"request_id"`
	Donator   Account   `json:"donator"`
	Amount    int64     `json:"amount"`
}

func (c *Donate) Name() string { return "Donate" }
func (c *Donate) Key() string  { return c.RequestID.String() }

// Allocate splits one unallocated lot across the recipient table.
// Owner-only. The lot is re-resolved by (Donator, Index) at apply time; a
// caller-supplied snapshot is never trusted.
type Allocate struct {
	RequestID uuid.UUID `json:"request_id"`
	Caller    Account   `json:"caller"`
	Donator   Account   `json:"donator"`
	Index     int       `json:"index"`
}

func (c *Allocate) Name() string { return "Allocate" }
func (c *Allocate) Key() string  { return c.RequestID.String() }

// Payout draws against the calling recipient's accumulated claim, draining
// donator lots in strict chronological order.
type Payout struct {
	RequestID   uuid.UUID `json:"request_id"`
	Recipient   Account   `json:"recipient"`
	Amount      int64     `json:"amount"`
	Destination Account   `json:"destination"`
	Memo        string    `json:"memo"`
}

func (c *Payout) Name() string { return "Payout" }
func (c *Payout) Key() string  { return c.RequestID.String() }

// RequestReceipt flags a lot as receipt-requested. Donator-only.
type RequestReceipt struct {
	RequestID uuid.UUID `json:"request_id"`
	Caller    Account   `json:"caller"`
	Donator   Account   `json:"donator"`
	Index     int       `json:"index"`
}

func (c *RequestReceipt) Name() string { return "RequestReceipt" }
func (c *RequestReceipt) Key() string  { return c.RequestID.String() }

// MintReceipt mints the non-fungible receipt for a requested lot. Owner-only.
type MintReceipt struct {
	RequestID uuid.UUID `json:"request_id"`
	Caller    Account   `json:"caller"`
	Donator   Account   `json:"donator"`
	Index     int       `json:"index"`
	TokenURI  string    `json:"token_uri"`
}

func (c *MintReceipt) Name() string { return "MintReceipt" }
func (c *MintReceipt) Key() string  { return c.RequestID.String() }

// SweepLeftovers transfers the accumulated rounding leftovers to To. Owner-only.
type SweepLeftovers struct {
	RequestID uuid.UUID `json:"request_id"`
	Caller    Account   `json:"caller"`
	To        Account   `json:"to"`
}

func (c *SweepLeftovers) Name() string { return "SweepLeftovers" }
func (c *SweepLeftovers) Key() string  { return c.RequestID.String() }

// EmergencyWithdraw sweeps the entire held balance to the owner. Owner-only.
// Deliberately does not reconcile per-donator or per-recipient bookkeeping.
type EmergencyWithdraw struct {
	RequestID uuid.UUID `json:"request_id"`
	Caller    Account   `json:"caller"`
}

func (c *EmergencyWithdraw) Name() string { return "EmergencyWithdraw" }
func (c *EmergencyWithdraw) Key() string  { return c.RequestID.String() }

// UnmarshalCommand decodes a logged command by its Name discriminator. Used
// when replaying the command log on restart.
func UnmarshalCommand(name string, payload []byte) (Command, error) {
	var cmd Command
	switch name {
	case "Donate":
		cmd = &Donate{}
	case "Allocate":
		cmd = &Allocate{}
	case "Payout":
		cmd = &Payout{}
	case "RequestReceipt":
		cmd = &RequestReceipt{}
	case "MintReceipt":
		cmd = &MintReceipt{}
	case "SweepLeftovers":
		cmd = &SweepLeftovers{}
	case "EmergencyWithdraw":
		cmd = &EmergencyWithdraw{}
	default:
		return nil, fmt.Errorf("unknown command name %q", name)
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return cmd, nil
}
