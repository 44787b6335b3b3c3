package query

import "time"

// DonationResponse is one contribution lot for API queries.
type DonationResponse struct {
	Donator      string    `json:"donator"`
	LotIndex     int       `json:"lot_index"`
	Amount       int64     `json:"amount"`
	Remaining    int64     `json:"remaining"`
	DonatedAt    time.Time `json:"donated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// DonatorStatsResponse aggregates a donator's history.
type DonatorStatsResponse struct {
	Donator       string `json:"donator"`
	TotalDonated  int64  `json:"total_donated"`
	TotalSpent    int64  `json:"total_spent"`
	DonationCount int64  `json:"donation_count"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// RecipientStatsResponse aggregates a recipient's allocation history.
type RecipientStatsResponse struct {
	Recipient      string `json:"recipient"`
	TotalAllocated int64  `json:"total_allocated"`
	TotalSpent     int64  `json:"total_spent"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// AllocationResponse is one allocation share transfer.
type AllocationResponse struct {
	Sequence    int64     `json:"sequence"`
	Donator     string    `json:"donator"`
	FromAccount string    `json:"from_account"`
	ToAccount   string    `json:"to_account"`
	Amount      int64     `json:"amount"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// SpendingResponse is one payout draw, joined with its reason when present.
type SpendingResponse struct {
	Sequence    int64     `json:"sequence"`
	Donator     string    `json:"donator"`
	FromAccount string    `json:"from_account"`
	ToAccount   string    `json:"to_account"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason,omitempty"`
	SpentAt     time.Time `json:"spent_at"`
}

// ReceiptResponse is one minted receipt token.
type ReceiptResponse struct {
	TokenID      int64     `json:"token_id"`
	Minter       string    `json:"minter"`
	Donator      string    `json:"donator"`
	LotIndex     int       `json:"lot_index"`
	MintedAt     time.Time `json:"minted_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}
