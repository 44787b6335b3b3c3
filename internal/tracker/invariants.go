package tracker

import (
	"fmt"
)

// checkInvariants runs after every successful command, before its outputs
// flush. A non-nil return means the engine corrupted its own bookkeeping;
// the caller escalates to a panic because continuing would persist bad
// state.
func (e *Engine) checkInvariants(cmd Command) error {
	var totalUnspent int64

	for donator, entry := range e.book.entries {
		var sum int64
		for i, lot := range entry.lots {
			if lot.Index != i {
				return fmt.Errorf("donator %s: lot at position %d carries index %d", donator, i, lot.Index)
			}
			if lot.Remaining < 0 || lot.Remaining > lot.Amount {
				return fmt.Errorf("donator %s lot %d: remaining %d outside [0, %d]", donator, i, lot.Remaining, lot.Amount)
			}
			sum += lot.Remaining
		}
		if sum != entry.unspent {
			return fmt.Errorf("donator %s: unspent %d != lot sum %d", donator, entry.unspent, sum)
		}
		totalUnspent += sum
	}

	var totalClaims int64
	claimsByDonator := make(map[Account]int64)
	for key, amount := range e.claims.claims {
		if amount < 0 {
			return fmt.Errorf("claim %s/%s is negative: %d", key.Recipient, key.Donator, amount)
		}
		totalClaims += amount
		claimsByDonator[key.Donator] += amount
	}

	// Every outstanding claim is backed by unspent value in the donator's
	// allocated lots. Equality does not hold: allocation rounds shares down,
	// so lots retain a sliver the claims never cover.
	for donator, claimed := range claimsByDonator {
		if backing := e.book.AllocatedRemaining(donator); claimed > backing {
			return fmt.Errorf("donator %s: claims %d exceed allocated lot value %d", donator, claimed, backing)
		}
	}
	if totalClaims > totalUnspent {
		return fmt.Errorf("claims %d exceed unspent lot value %d", totalClaims, totalUnspent)
	}

	// The leftover pool is backed by value still held on the ledger account.
	held := e.bank.Balance(e.cfg.LedgerAccount)
	if held < 0 {
		return fmt.Errorf("ledger account balance is negative: %d", held)
	}
	if e.leftovers > held {
		return fmt.Errorf("leftover pool %d exceeds held balance %d", e.leftovers, held)
	}

	if e.totalDonated < 0 || e.totalAllocated < 0 || e.totalSpent < 0 || e.leftovers < 0 {
		return fmt.Errorf("negative counter: donated=%d allocated=%d spent=%d leftovers=%d",
			e.totalDonated, e.totalAllocated, e.totalSpent, e.leftovers)
	}

	return nil
}
