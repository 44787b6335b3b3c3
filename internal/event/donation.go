package event

// DonationReceived is emitted once per recorded donation lot.
type DonationReceived struct {
	Donator   string `json:"donator"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Index     int    `json:"index"`
}

func (e *DonationReceived) EventType() Type { return TypeDonationReceived }

// FundsAllocated is emitted once per recipient when a donation is allocated.
// From is the tracker's own ledger account, To the recipient payout account.
type FundsAllocated struct {
	Donator   string `json:"donator"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func (e *FundsAllocated) EventType() Type { return TypeFundsAllocated }
