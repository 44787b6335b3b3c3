package event

// LeftoverTransferred is emitted when the accumulated rounding leftovers
// are swept by the owner.
type LeftoverTransferred struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func (e *LeftoverTransferred) EventType() Type { return TypeLeftoverTransferred }

// EmergencySwept is emitted when the owner drains the entire held balance.
// Per-donator and per-recipient bookkeeping is NOT reconciled by this
// operation; downstream consumers must treat it as a terminal reset.
type EmergencySwept struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func (e *EmergencySwept) EventType() Type { return TypeEmergencySwept }
