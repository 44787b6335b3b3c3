package tracker

// Read surface. These methods touch engine state directly and are only safe
// from the engine's goroutine; concurrent callers go through Loop.View.

// Recipients returns the fixed allocation table.
func (e *Engine) Recipients() []Recipient {
	return e.table.Recipients()
}

// IsRecipient reports whether account is an allowed recipient.
func (e *Engine) IsRecipient(account Account) bool {
	return e.table.IsRecipient(account)
}

// DonationAt returns a copy of the donator's lot at index.
func (e *Engine) DonationAt(donator Account, index int) (Donation, error) {
	lot, err := e.book.At(donator, index)
	if err != nil {
		return Donation{}, err
	}
	return *lot, nil
}

// Donations returns copies of the donator's current lots in index order.
func (e *Engine) Donations(donator Account) []Donation {
	entry := e.book.entries[donator]
	if entry == nil {
		return nil
	}
	out := make([]Donation, len(entry.lots))
	for i, lot := range entry.lots {
		out[i] = *lot
	}
	return out
}

// DonationCount returns the donator's current (undrained) lot count.
func (e *Engine) DonationCount(donator Account) int {
	return e.book.Count(donator)
}

// LifetimeDonationCount returns how many donations the donator ever made.
func (e *Engine) LifetimeDonationCount(donator Account) int64 {
	return e.book.LifetimeCount(donator)
}

// DonatedTotal returns the donator's cumulative donated value.
func (e *Engine) DonatedTotal(donator Account) int64 {
	return e.book.Total(donator)
}

// UnspentTotal returns the donator's unspent value across lots.
func (e *Engine) UnspentTotal(donator Account) int64 {
	return e.book.Unspent(donator)
}

// ClaimTotal returns the recipient's outstanding claim across donators.
func (e *Engine) ClaimTotal(recipient Account) int64 {
	return e.claims.Total(recipient)
}

// ClaimOf returns the outstanding claim for a (recipient, donator) pair.
func (e *Engine) ClaimOf(recipient, donator Account) int64 {
	return e.claims.Claim(recipient, donator)
}

// ActiveDonators returns the recipient's active donator set in the order
// payouts drain it.
func (e *Engine) ActiveDonators(recipient Account) []Account {
	return e.claims.ActiveDonators(recipient)
}

// Totals is the global counter block.
type Totals struct {
	Donated        int64 `json:"donated"`
	Allocated      int64 `json:"allocated"`
	Spent          int64 `json:"spent"`
	Leftovers      int64 `json:"leftovers"`
	UniqueDonators int64 `json:"unique_donators"`
	Held           int64 `json:"held"`
}

// Totals returns the global counters plus the ledger account balance.
func (e *Engine) Totals() Totals {
	return Totals{
		Donated:        e.totalDonated,
		Allocated:      e.totalAllocated,
		Spent:          e.totalSpent,
		Leftovers:      e.leftovers,
		UniqueDonators: e.uniqueDonators,
		Held:           e.bank.Balance(e.cfg.LedgerAccount),
	}
}
