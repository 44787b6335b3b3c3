package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Klem/donation-tracker/internal/tracker"
)

// ParseCommand converts raw JSON bytes plus a command name into a typed
// tracker.Command. The ingestion shell validates and converts before
// anything reaches the engine; the engine never sees malformed input.
func ParseCommand(commandName string, data []byte) (tracker.Command, error) {
	switch commandName {
	case "Donate":
		return parseDonate(data)
	case "Allocate":
		return parseAllocate(data)
	case "Payout":
		return parsePayout(data)
	case "RequestReceipt":
		return parseRequestReceipt(data)
	case "MintReceipt":
		return parseMintReceipt(data)
	case "SweepLeftovers":
		return parseSweepLeftovers(data)
	case "EmergencyWithdraw":
		return parseEmergencyWithdraw(data)
	case "Transfer", "Deposit", "Send":
		// Unsolicited inbound value is rejected outright; the donate call is
		// the only one allowed to carry value.
		return nil, tracker.ErrUseDonate
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandName)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received over HTTP and NATS.
// Field names use snake_case to match upstream producers.

type donateJSON struct {
	RequestID string `json:"request_id"`
	Donator   string `json:"donator"`
	Amount    int64  `json:"amount"`
}

func parseDonate(data []byte) (*tracker.Donate, error) {
	var j donateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Donate: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	if j.Donator == "" {
		return nil, fmt.Errorf("donator is required")
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", j.Amount)
	}

	return &tracker.Donate{
		RequestID: requestID,
		Donator:   tracker.Account(j.Donator),
		Amount:    j.Amount,
	}, nil
}

type allocateJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Donator   string `json:"donator"`
	Index     int    `json:"index"`
}

func parseAllocate(data []byte) (*tracker.Allocate, error) {
	var j allocateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Allocate: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	if j.Donator == "" {
		return nil, fmt.Errorf("donator is required")
	}
	if j.Index < 0 {
		return nil, fmt.Errorf("index must not be negative, got %d", j.Index)
	}

	return &tracker.Allocate{
		RequestID: requestID,
		Caller:    tracker.Account(j.Caller),
		Donator:   tracker.Account(j.Donator),
		Index:     j.Index,
	}, nil
}

type payoutJSON struct {
	RequestID   string `json:"request_id"`
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
	Memo        string `json:"memo"`
}

func parsePayout(data []byte) (*tracker.Payout, error) {
	var j payoutJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Payout: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	if j.Recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if j.Destination == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if j.Amount < 0 {
		return nil, fmt.Errorf("amount must not be negative, got %d", j.Amount)
	}

	return &tracker.Payout{
		RequestID:   requestID,
		Recipient:   tracker.Account(j.Recipient),
		Amount:      j.Amount,
		Destination: tracker.Account(j.Destination),
		Memo:        j.Memo,
	}, nil
}

type requestReceiptJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Donator   string `json:"donator"`
	Index     int    `json:"index"`
}

func parseRequestReceipt(data []byte) (*tracker.RequestReceipt, error) {
	var j requestReceiptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RequestReceipt: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	if j.Caller == "" {
		return nil, fmt.Errorf("caller is required")
	}
	if j.Donator == "" {
		// The common case: a donator asking a receipt for their own lot.
		j.Donator = j.Caller
	}
	if j.Index < 0 {
		return nil, fmt.Errorf("index must not be negative, got %d", j.Index)
	}

	return &tracker.RequestReceipt{
		RequestID: requestID,
		Caller:    tracker.Account(j.Caller),
		Donator:   tracker.Account(j.Donator),
		Index:     j.Index,
	}, nil
}

type mintReceiptJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Donator   string `json:"donator"`
	Index     int    `json:"index"`
	TokenURI  string `json:"token_uri"`
}

func parseMintReceipt(data []byte) (*tracker.MintReceipt, error) {
	var j mintReceiptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MintReceipt: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	if j.Donator == "" {
		return nil, fmt.Errorf("donator is required")
	}
	if j.Index < 0 {
		return nil, fmt.Errorf("index must not be negative, got %d", j.Index)
	}

	return &tracker.MintReceipt{
		RequestID: requestID,
		Caller:    tracker.Account(j.Caller),
		Donator:   tracker.Account(j.Donator),
		Index:     j.Index,
		TokenURI:  j.TokenURI,
	}, nil
}

type sweepLeftoversJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	To        string `json:"to"`
}

func parseSweepLeftovers(data []byte) (*tracker.SweepLeftovers, error) {
	var j sweepLeftoversJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SweepLeftovers: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}

	return &tracker.SweepLeftovers{
		RequestID: requestID,
		Caller:    tracker.Account(j.Caller),
		To:        tracker.Account(j.To),
	}, nil
}

type emergencyWithdrawJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
}

func parseEmergencyWithdraw(data []byte) (*tracker.EmergencyWithdraw, error) {
	var j emergencyWithdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EmergencyWithdraw: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}

	return &tracker.EmergencyWithdraw{
		RequestID: requestID,
		Caller:    tracker.Account(j.Caller),
	}, nil
}

func parseRequestID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.UUID{}, fmt.Errorf("request_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse request_id: %w", err)
	}
	return id, nil
}
