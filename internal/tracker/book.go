package tracker

import (
	"fmt"
	"time"
)

// Donation is one recorded contribution lot. A lot is owned by exactly one
// donator slot; its Remaining is decremented only through Book.drain and the
// lot is compacted out when Remaining reaches zero.
type Donation struct {
	Donator          Account   `json:"donator"`
	Amount           int64     `json:"amount"`
	Remaining        int64     `json:"remaining"`
	Timestamp        time.Time `json:"timestamp"`
	Allocated        bool      `json:"allocated"`
	ReceiptRequested bool      `json:"receipt_requested"`
	ReceiptMinted    bool      `json:"receipt_minted"`
	ReceiptTokenID   int64     `json:"receipt_token_id"`
	Index            int       `json:"index"`
}

// donatorEntry holds one donator's lot vector and lifetime totals. The
// lifetime counters survive compaction; only lots are removed.
type donatorEntry struct {
	lots    []*Donation
	count   int64 // lifetime donation count
	total   int64 // cumulative donated value
	unspent int64 // Σ Remaining over lots
}

// Book is the contribution ledger: per-donator ordered lot vectors with
// swap-remove compaction and stable external indices.
type Book struct {
	entries map[Account]*donatorEntry
	maxLots int
}

func NewBook(maxLots int) *Book {
	return &Book{
		entries: make(map[Account]*donatorEntry),
		maxLots: maxLots,
	}
}

// Append records a new lot for donator. The second return value reports
// whether this is the donator's first ever donation.
func (b *Book) Append(donator Account, amount int64, ts time.Time) (*Donation, bool, error) {
	if amount == 0 {
		return nil, false, ErrNullDonation
	}

	entry := b.entries[donator]
	first := entry == nil
	if first {
		entry = &donatorEntry{}
		b.entries[donator] = entry
	}

	if len(entry.lots) >= b.maxLots {
		return nil, false, &TooManyDonationsError{Count: len(entry.lots), Cap: b.maxLots}
	}

	lot := &Donation{
		Donator:   donator,
		Amount:    amount,
		Remaining: amount,
		Timestamp: ts,
		Index:     len(entry.lots),
	}
	entry.lots = append(entry.lots, lot)
	entry.count++
	entry.total += amount
	entry.unspent += amount

	return lot, first, nil
}

// At returns the lot at index, bounds-checked.
func (b *Book) At(donator Account, index int) (*Donation, error) {
	entry := b.entries[donator]
	if entry == nil || index < 0 || index >= len(entry.lots) {
		return nil, &InvalidIndexError{Index: index}
	}
	return entry.lots[index], nil
}

// Count returns the number of live (uncompacted) lots for donator.
func (b *Book) Count(donator Account) int {
	entry := b.entries[donator]
	if entry == nil {
		return 0
	}
	return len(entry.lots)
}

// LifetimeCount returns the donator's total number of donations ever made.
func (b *Book) LifetimeCount(donator Account) int64 {
	entry := b.entries[donator]
	if entry == nil {
		return 0
	}
	return entry.count
}

// Total returns the donator's cumulative donated value.
func (b *Book) Total(donator Account) int64 {
	entry := b.entries[donator]
	if entry == nil {
		return 0
	}
	return entry.total
}

// Unspent returns the donator's cumulative still-undrained value.
func (b *Book) Unspent(donator Account) int64 {
	entry := b.entries[donator]
	if entry == nil {
		return 0
	}
	return entry.unspent
}

// AllocatedRemaining returns the Σ Remaining over the donator's allocated lots.
func (b *Book) AllocatedRemaining(donator Account) int64 {
	entry := b.entries[donator]
	if entry == nil {
		return 0
	}
	var sum int64
	for _, lot := range entry.lots {
		if lot.Allocated {
			sum += lot.Remaining
		}
	}
	return sum
}

// drain applies amount against the donator's allocated lots in ascending index
// order. Unallocated lots are skipped. A lot drained to zero is compacted out
// by swapping in the last lot and rewriting its Index; the cursor does not
// advance past the swapped-in lot, so that lot drains next even though it is
// the newest. Index order, not donation age, is the ordering guarantee. This
// is the single authority over lot Remaining mutation.
func (b *Book) drain(donator Account, amount int64) error {
	entry := b.entries[donator]
	if entry == nil {
		return fmt.Errorf("drain: unknown donator %s", donator)
	}

	toApply := amount
	i := 0
	for toApply > 0 && i < len(entry.lots) {
		lot := entry.lots[i]
		if !lot.Allocated || lot.Remaining == 0 {
			i++
			continue
		}

		applied := lot.Remaining
		if toApply < applied {
			applied = toApply
		}
		lot.Remaining -= applied
		entry.unspent -= applied
		toApply -= applied

		if lot.Remaining == 0 {
			b.compact(entry, i)
			// the swapped-in lot now occupies index i
			continue
		}
		i++
	}

	if toApply != 0 {
		return fmt.Errorf("drain: %d of %d could not be applied against %s", toApply, amount, donator)
	}
	return nil
}

// compact removes the lot at index i via swap-with-last-and-reindex.
func (b *Book) compact(entry *donatorEntry, i int) {
	last := len(entry.lots) - 1
	entry.lots[i] = entry.lots[last]
	entry.lots[i].Index = i
	entry.lots[last] = nil
	entry.lots = entry.lots[:last]
}

// Donators returns every account that ever donated, in unspecified order.
func (b *Book) Donators() []Account {
	out := make([]Account, 0, len(b.entries))
	for a := range b.entries {
		out = append(out, a)
	}
	return out
}
