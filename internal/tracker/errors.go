package tracker

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no operands.
var (
	// ErrNullDonation rejects zero-value donations.
	ErrNullDonation = errors.New("donation amount must be nonzero")

	// ErrUseDonate rejects unsolicited inbound value: the donate endpoint is
	// the only call allowed to carry value.
	ErrUseDonate = errors.New("use the donate endpoint to send funds")

	// ErrNotOwner rejects administrative calls from non-owner accounts.
	ErrNotOwner = errors.New("caller is not the owner")

	// ErrNoLeftovers rejects a leftover sweep when the pool is empty.
	ErrNoLeftovers = errors.New("no leftovers to sweep")
)

// InvalidIndexError reports an out-of-range donation index.
type InvalidIndexError struct {
	Index int
}

func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("no donation at index %d", e.Index)
}

// AlreadyAllocatedError reports an allocation attempt on an allocated lot.
type AlreadyAllocatedError struct {
	Donator Account
	Index   int
}

func (e *AlreadyAllocatedError) Error() string {
	return fmt.Sprintf("donation %s/%d is already allocated", e.Donator, e.Index)
}

// InsufficientFundsError reports a draw beyond available funds.
// Emergency withdrawals on an empty vault report {0, 0}.
type InsufficientFundsError struct {
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available=%d, requested=%d", e.Available, e.Requested)
}

// TooManyDonationsError reports the per-donator lot cap being hit.
type TooManyDonationsError struct {
	Count int
	Cap   int
}

func (e *TooManyDonationsError) Error() string {
	return fmt.Sprintf("too many donations: %d of %d", e.Count, e.Cap)
}

// TooManyActiveDonatorsError reports the per-recipient active-donator cap.
type TooManyActiveDonatorsError struct {
	Recipient Account
	Count     int
	Cap       int
}

func (e *TooManyActiveDonatorsError) Error() string {
	return fmt.Sprintf("recipient %s has too many active donators: %d of %d", e.Recipient, e.Count, e.Cap)
}

// NotADonatorError reports a receipt request from an account that does not
// own the lot.
type NotADonatorError struct {
	Caller Account
}

func (e *NotADonatorError) Error() string {
	return fmt.Sprintf("caller %s is not the donator of this donation", e.Caller)
}

// NotARecipientError reports a payout from a non-recipient account.
type NotARecipientError struct {
	Caller Account
}

func (e *NotARecipientError) Error() string {
	return fmt.Sprintf("caller %s is not an allowed recipient", e.Caller)
}

// ReceiptAlreadyRequestedError reports a double receipt request.
type ReceiptAlreadyRequestedError struct {
	Donator Account
	Index   int
}

func (e *ReceiptAlreadyRequestedError) Error() string {
	return fmt.Sprintf("receipt already requested for donation %s/%d", e.Donator, e.Index)
}

// ReceiptNotRequestedError reports a mint before the donator requested one.
type ReceiptNotRequestedError struct {
	Donator Account
	Index   int
}

func (e *ReceiptNotRequestedError) Error() string {
	return fmt.Sprintf("receipt not requested for donation %s/%d", e.Donator, e.Index)
}

// ReceiptAlreadyMintedError reports a double mint.
type ReceiptAlreadyMintedError struct {
	Donator Account
	Index   int
}

func (e *ReceiptAlreadyMintedError) Error() string {
	return fmt.Sprintf("receipt already minted for donation %s/%d", e.Donator, e.Index)
}
