package tracker

import "fmt"

type claimKey struct {
	Recipient Account
	Donator   Account
}

// ClaimLedger tracks the value each recipient has been allocated per donator
// and, per recipient, the insertion-ordered set of donators with a nonzero
// claim. A claim is created on first allocation for the pair and removed when
// drained to zero.
type ClaimLedger struct {
	claims    map[claimKey]int64
	donators  map[Account][]Account // recipient -> active donators, insertion order
	maxActive int
}

func NewClaimLedger(maxActive int) *ClaimLedger {
	return &ClaimLedger{
		claims:    make(map[claimKey]int64),
		donators:  make(map[Account][]Account),
		maxActive: maxActive,
	}
}

// Add increases the claim of (recipient, donator). The donator joins the
// recipient's active set on the first nonzero claim, subject to the
// active-donator cap.
func (c *ClaimLedger) Add(recipient, donator Account, amount int64) error {
	if amount <= 0 {
		return nil
	}

	key := claimKey{Recipient: recipient, Donator: donator}
	if c.claims[key] == 0 {
		active := c.donators[recipient]
		if len(active) >= c.maxActive {
			return &TooManyActiveDonatorsError{Recipient: recipient, Count: len(active), Cap: c.maxActive}
		}
		c.donators[recipient] = append(active, donator)
	}
	c.claims[key] += amount
	return nil
}

// CanAdd reports whether Add would succeed for the pair without mutating.
func (c *ClaimLedger) CanAdd(recipient, donator Account) error {
	key := claimKey{Recipient: recipient, Donator: donator}
	if c.claims[key] == 0 && len(c.donators[recipient]) >= c.maxActive {
		return &TooManyActiveDonatorsError{Recipient: recipient, Count: len(c.donators[recipient]), Cap: c.maxActive}
	}
	return nil
}

// Sub decreases the claim of (recipient, donator); a claim drained to zero
// removes the donator from the recipient's active set, preserving the
// insertion order of the remaining donators.
func (c *ClaimLedger) Sub(recipient, donator Account, amount int64) error {
	key := claimKey{Recipient: recipient, Donator: donator}
	have := c.claims[key]
	if amount > have {
		return fmt.Errorf("claim %s/%s underflow: have=%d, sub=%d", recipient, donator, have, amount)
	}

	if amount == have {
		delete(c.claims, key)
		active := c.donators[recipient]
		for i, a := range active {
			if a == donator {
				c.donators[recipient] = append(active[:i], active[i+1:]...)
				break
			}
		}
		if len(c.donators[recipient]) == 0 {
			delete(c.donators, recipient)
		}
		return nil
	}

	c.claims[key] = have - amount
	return nil
}

// Claim returns the outstanding claim for a (recipient, donator) pair.
func (c *ClaimLedger) Claim(recipient, donator Account) int64 {
	return c.claims[claimKey{Recipient: recipient, Donator: donator}]
}

// Total returns the recipient's total outstanding claim across donators.
func (c *ClaimLedger) Total(recipient Account) int64 {
	var sum int64
	for _, donator := range c.donators[recipient] {
		sum += c.claims[claimKey{Recipient: recipient, Donator: donator}]
	}
	return sum
}

// ActiveDonators returns a copy of the recipient's active donator set in
// insertion order.
func (c *ClaimLedger) ActiveDonators(recipient Account) []Account {
	active := c.donators[recipient]
	out := make([]Account, len(active))
	copy(out, active)
	return out
}
