package event

// FundsSpent is emitted once per donator touched by a payout.
// From is the paying recipient, To the payout destination; Amount is the
// portion of the payout drawn against this donator's lots.
type FundsSpent struct {
	Donator   string `json:"donator"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func (e *FundsSpent) EventType() Type { return TypeFundsSpent }

// SpendingReason carries the payout memo, one per donator touched.
type SpendingReason struct {
	Donator   string `json:"donator"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

func (e *SpendingReason) EventType() Type { return TypeSpendingReason }
