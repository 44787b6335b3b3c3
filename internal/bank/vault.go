// Package bank provides the in-process value store backing the tracker's
// transfers. Accounts are created on first credit; only overdrafts are
// refused.
package bank

import (
	"fmt"

	"github.com/Klem/donation-tracker/internal/tracker"
)

// Vault is an in-memory account ledger. It is not safe for concurrent use;
// like the engine that owns it, all access is serialized on the engine
// goroutine.
type Vault struct {
	balances map[tracker.Account]int64
}

func NewVault() *Vault {
	return &Vault{balances: make(map[tracker.Account]int64)}
}

// Deposit credits an account with value arriving from outside the vault.
func (v *Vault) Deposit(account tracker.Account, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	v.balances[account] += amount
	return nil
}

// Withdraw removes value from an account, sending it out of the vault.
func (v *Vault) Withdraw(account tracker.Account, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive, got %d", amount)
	}
	if v.balances[account] < amount {
		return fmt.Errorf("insufficient balance on %s: have %d, need %d", account, v.balances[account], amount)
	}
	v.balances[account] -= amount
	return nil
}

// Transfer moves value between accounts. The source must cover the full
// amount; a partial transfer never happens.
func (v *Vault) Transfer(from, to tracker.Account, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("transfer amount must not be negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}
	if from == to {
		return fmt.Errorf("transfer from %s to itself", from)
	}
	if v.balances[from] < amount {
		return fmt.Errorf("insufficient balance on %s: have %d, need %d", from, v.balances[from], amount)
	}
	v.balances[from] -= amount
	v.balances[to] += amount
	return nil
}

// Balance returns the account's balance; unknown accounts hold zero.
func (v *Vault) Balance(account tracker.Account) int64 {
	return v.balances[account]
}

// Snapshot returns a copy of all nonzero balances.
func (v *Vault) Snapshot() map[tracker.Account]int64 {
	out := make(map[tracker.Account]int64, len(v.balances))
	for account, balance := range v.balances {
		if balance != 0 {
			out[account] = balance
		}
	}
	return out
}

// Restore replaces the vault's contents with the given balances.
func (v *Vault) Restore(balances map[tracker.Account]int64) {
	v.balances = make(map[tracker.Account]int64, len(balances))
	for account, balance := range balances {
		v.balances[account] = balance
	}
}
