package tracker

import (
	"fmt"
)

// Account identifies a payout-capable account (donator wallet, recipient
// payout account, the tracker's own ledger account).
type Account string

// BasisPoints is the percentage denominator: 10000 == 100.00%.
const BasisPoints = 10000

// Recipient is one fixed allocation target.
type Recipient struct {
	Name       string  `json:"name"`
	Account    Account `json:"account"`
	Percentage int64   `json:"percentage"` // basis points
}

// RecipientTable is the immutable, constructor-fixed recipient list.
// Percentages must sum to exactly BasisPoints.
type RecipientTable struct {
	recipients []Recipient
	byAccount  map[Account]int
}

func NewRecipientTable(recipients []Recipient) (*RecipientTable, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("recipient table is empty")
	}

	byAccount := make(map[Account]int, len(recipients))
	var sum int64

	for i, r := range recipients {
		if r.Account == "" {
			return nil, fmt.Errorf("recipient %q has no payout account", r.Name)
		}
		if r.Percentage < 0 || r.Percentage > BasisPoints {
			return nil, fmt.Errorf("recipient %q percentage out of range: %d", r.Name, r.Percentage)
		}
		if _, dup := byAccount[r.Account]; dup {
			return nil, fmt.Errorf("duplicate recipient account %s", r.Account)
		}
		byAccount[r.Account] = i
		sum += r.Percentage
	}

	if sum != BasisPoints {
		return nil, fmt.Errorf("recipient percentages sum to %d, want %d", sum, BasisPoints)
	}

	table := make([]Recipient, len(recipients))
	copy(table, recipients)

	return &RecipientTable{recipients: table, byAccount: byAccount}, nil
}

// Recipients returns a copy of the table in allocation order.
func (t *RecipientTable) Recipients() []Recipient {
	out := make([]Recipient, len(t.recipients))
	copy(out, t.recipients)
	return out
}

// IsRecipient reports whether account is an allowed recipient.
func (t *RecipientTable) IsRecipient(account Account) bool {
	_, ok := t.byAccount[account]
	return ok
}

// Get returns the recipient for a payout account.
func (t *RecipientTable) Get(account Account) (Recipient, bool) {
	i, ok := t.byAccount[account]
	if !ok {
		return Recipient{}, false
	}
	return t.recipients[i], true
}

// Len returns the number of recipients.
func (t *RecipientTable) Len() int {
	return len(t.recipients)
}
