package tracker

// SnapshotState holds the serializable in-memory state for restore. The
// persistence layer stores it as JSON; every field round-trips through
// encoding/json.
type SnapshotState struct {
	Sequence   int64 `json:"sequence"`
	CommandSeq int64 `json:"command_seq"`

	StateHash [32]byte `json:"state_hash"`

	TotalDonated   int64 `json:"total_donated"`
	TotalAllocated int64 `json:"total_allocated"`
	TotalSpent     int64 `json:"total_spent"`
	Leftovers      int64 `json:"leftovers"`
	UniqueDonators int64 `json:"unique_donators"`

	Donators map[Account]*DonatorSnapshot `json:"donators"`
	Claims   []ClaimSnapshot              `json:"claims"`

	// ActiveDonators preserves each recipient's insertion-ordered donator
	// set; payout draining depends on this order.
	ActiveDonators map[Account][]Account `json:"active_donators"`

	Balances map[Account]int64 `json:"balances"`

	IdempotencyKeys []string `json:"idempotency_keys"`
}

// DonatorSnapshot is one donator's full lot state.
type DonatorSnapshot struct {
	Lots    []*Donation `json:"lots"`
	Count   int64       `json:"count"`
	Total   int64       `json:"total"`
	Unspent int64       `json:"unspent"`
}

// ClaimSnapshot is one (recipient, donator) outstanding claim.
type ClaimSnapshot struct {
	Recipient Account `json:"recipient"`
	Donator   Account `json:"donator"`
	Amount    int64   `json:"amount"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        e.sequence - 1, // last assigned sequence
		CommandSeq:      e.commandSeq,
		StateHash:       e.hasher.GetPrevHash(),
		TotalDonated:    e.totalDonated,
		TotalAllocated:  e.totalAllocated,
		TotalSpent:      e.totalSpent,
		Leftovers:       e.leftovers,
		UniqueDonators:  e.uniqueDonators,
		Donators:        make(map[Account]*DonatorSnapshot, len(e.book.entries)),
		ActiveDonators:  make(map[Account][]Account, len(e.claims.donators)),
		Balances:        e.bank.Snapshot(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}

	for donator, entry := range e.book.entries {
		lots := make([]*Donation, len(entry.lots))
		for i, lot := range entry.lots {
			c := *lot
			lots[i] = &c
		}
		snap.Donators[donator] = &DonatorSnapshot{
			Lots:    lots,
			Count:   entry.count,
			Total:   entry.total,
			Unspent: entry.unspent,
		}
	}

	for key, amount := range e.claims.claims {
		snap.Claims = append(snap.Claims, ClaimSnapshot{
			Recipient: key.Recipient,
			Donator:   key.Donator,
			Amount:    amount,
		})
	}
	for recipient, active := range e.claims.donators {
		out := make([]Account, len(active))
		copy(out, active)
		snap.ActiveDonators[recipient] = out
	}

	return snap
}

// RestoreFromSnapshot restores the engine's in-memory state from a snapshot.
// On warm restart the caller loads the latest snapshot, restores, then
// replays the command log past snap.CommandSeq.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.sequence = snap.Sequence + 1 // next sequence to assign
	e.commandSeq = snap.CommandSeq
	e.hasher.SetPrevHash(snap.StateHash)

	e.totalDonated = snap.TotalDonated
	e.totalAllocated = snap.TotalAllocated
	e.totalSpent = snap.TotalSpent
	e.leftovers = snap.Leftovers
	e.uniqueDonators = snap.UniqueDonators

	e.book.entries = make(map[Account]*donatorEntry, len(snap.Donators))
	for donator, ds := range snap.Donators {
		lots := make([]*Donation, len(ds.Lots))
		for i, lot := range ds.Lots {
			c := *lot
			lots[i] = &c
		}
		e.book.entries[donator] = &donatorEntry{
			lots:    lots,
			count:   ds.Count,
			total:   ds.Total,
			unspent: ds.Unspent,
		}
	}

	e.claims.claims = make(map[claimKey]int64, len(snap.Claims))
	for _, cs := range snap.Claims {
		e.claims.claims[claimKey{Recipient: cs.Recipient, Donator: cs.Donator}] = cs.Amount
	}
	e.claims.donators = make(map[Account][]Account, len(snap.ActiveDonators))
	for recipient, active := range snap.ActiveDonators {
		out := make([]Account, len(active))
		copy(out, active)
		e.claims.donators[recipient] = out
	}

	e.bank.Restore(snap.Balances)
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed commands skip the cold-path DB lookup after a restart.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}
