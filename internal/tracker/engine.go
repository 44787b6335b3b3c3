package tracker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klem/donation-tracker/internal/event"
	"github.com/Klem/donation-tracker/internal/observability"
)

// Bank is the native value-transfer boundary. Donated value enters through
// Deposit (it arrives with the call, from outside the bank); everything
// after that moves between bank accounts via Transfer. A failed call aborts
// the whole operation; the bank must never call back into the engine.
type Bank interface {
	Deposit(account Account, amount int64) error
	Withdraw(account Account, amount int64) error
	Transfer(from, to Account, amount int64) error
	Balance(account Account) int64
	Snapshot() map[Account]int64
	Restore(balances map[Account]int64)
}

// ReceiptIssuer is the external non-fungible receipt issuer. Only the engine
// may mint; token ids are assigned by the issuer.
type ReceiptIssuer interface {
	Mint(owner Account, tokenURI string) (int64, error)
}

// Config holds the engine's constructor-fixed parameters.
type Config struct {
	// Owner is the administrative account.
	Owner Account

	// LedgerAccount is the engine's own account in the bank; donations are
	// held here until allocated.
	LedgerAccount Account

	// Recipients is the fixed allocation table (Σ percentage == 10000).
	Recipients []Recipient

	// MaxDonationsPerDonator bounds the per-donator lot vector.
	MaxDonationsPerDonator int

	// MaxActiveDonators bounds each recipient's active donator set.
	MaxActiveDonators int
}

// Result carries the command-specific outputs of an applied command.
type Result struct {
	// Duplicate is set when the command's idempotency key was already
	// processed; no state was touched.
	Duplicate bool

	// Index is the new lot index (Donate).
	Index int

	// TokenID is the issued receipt token id (MintReceipt).
	TokenID int64

	// Amount is the value moved (Payout, SweepLeftovers, EmergencyWithdraw).
	Amount int64

	// Timestamp is the engine-assigned apply time.
	Timestamp time.Time
}

// CommandRecord is the persisted form of an applied command, replayed on
// recovery.
type CommandRecord struct {
	CommandSeq int64
	Name       string
	Key        string
	AppliedAt  time.Time
	Payload    []byte
}

// Output is one emitted event plus, on the first event of a command, the
// command record itself.
type Output struct {
	Envelope *event.Envelope
	Event    event.Event
	Command  *CommandRecord
}

// Engine is the single-threaded donation ledger core. It is NOT safe for
// concurrent use: serialize access through Loop, or call it from a single
// goroutine (tests, replay).
type Engine struct {
	cfg    Config
	table  *RecipientTable
	book   *Book
	claims *ClaimLedger
	bank   Bank
	issuer ReceiptIssuer

	hasher      *StateHasher
	idempotency *IdempotencyChecker

	sequence   int64
	commandSeq int64

	// global counters
	totalDonated   int64
	totalAllocated int64
	totalSpent     int64
	leftovers      int64
	uniqueDonators int64

	metrics *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output

	pending []Output
}

// NewEngine constructs the engine. The recipient-percentage invariant is
// enforced here and holds for the engine's lifetime.
func NewEngine(
	cfg Config,
	bank Bank,
	issuer ReceiptIssuer,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	persistChan, projectionChan chan<- Output,
) (*Engine, error) {
	table, err := NewRecipientTable(cfg.Recipients)
	if err != nil {
		return nil, fmt.Errorf("recipient table: %w", err)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("owner account is required")
	}
	if cfg.LedgerAccount == "" {
		return nil, fmt.Errorf("ledger account is required")
	}
	if cfg.MaxDonationsPerDonator <= 0 {
		cfg.MaxDonationsPerDonator = DefaultMaxDonationsPerDonator
	}
	if cfg.MaxActiveDonators <= 0 {
		cfg.MaxActiveDonators = DefaultMaxActiveDonators
	}

	return &Engine{
		cfg:            cfg,
		table:          table,
		book:           NewBook(cfg.MaxDonationsPerDonator),
		claims:         NewClaimLedger(cfg.MaxActiveDonators),
		bank:           bank,
		issuer:         issuer,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(defaultIdempotencyCapacity, dbChecker),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// Default caps; both violations are recoverable by the caller once existing
// entries drain.
const (
	DefaultMaxDonationsPerDonator = 256
	DefaultMaxActiveDonators      = 512

	defaultIdempotencyCapacity = 100_000
)

// Apply processes one command atomically: all validation precedes any state
// mutation, and a returned error means nothing changed. Emitted events are
// flushed to the persist/projection channels only after the command
// succeeded.
func (e *Engine) Apply(cmd Command, now time.Time) (Result, error) {
	return e.apply(cmd, now, false)
}

// Replay re-applies a logged command during recovery. External outputs are
// suppressed; the sequence and hash chain advance deterministically.
func (e *Engine) Replay(cmd Command, appliedAt time.Time) error {
	_, err := e.apply(cmd, appliedAt, true)
	return err
}

func (e *Engine) apply(cmd Command, now time.Time, replay bool) (Result, error) {
	start := time.Now()
	name := cmd.Name()

	if !replay && e.idempotency.IsDuplicate(name, cmd.Key()) {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(name, "duplicate").Inc()
		}
		return Result{Duplicate: true}, nil
	}

	e.pending = e.pending[:0]

	var (
		res Result
		err error
	)

	switch c := cmd.(type) {
	case *Donate:
		res, err = e.handleDonate(c, now)
	case *Allocate:
		res, err = e.handleAllocate(c, now)
	case *Payout:
		res, err = e.handlePayout(c, now)
	case *RequestReceipt:
		res, err = e.handleRequestReceipt(c, now)
	case *MintReceipt:
		res, err = e.handleMintReceipt(c, now)
	case *SweepLeftovers:
		res, err = e.handleSweepLeftovers(c, now)
	case *EmergencyWithdraw:
		res, err = e.handleEmergencyWithdraw(c, now)
	default:
		err = fmt.Errorf("unknown command type: %T", cmd)
	}

	if err != nil {
		e.pending = e.pending[:0]
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(name, rejectReason(err)).Inc()
		}
		return Result{}, err
	}

	if violation := e.checkInvariants(cmd); violation != nil {
		panic(fmt.Sprintf("FATAL: ledger invariant violated after %s: %v", name, violation))
	}

	e.commandSeq++
	record := e.commandRecord(cmd, now)
	if len(e.pending) > 0 {
		e.pending[0].Command = record
	}

	if !replay {
		for _, out := range e.pending {
			// Persistence: blocking send — the engine stalls rather than
			// lose an event.
			e.persistChan <- out

			// Projections and outbound publishing: non-blocking, drop on
			// full; consumers rebuild from the event log.
			select {
			case e.projectionChan <- out:
			default:
			}
		}
	}
	e.pending = e.pending[:0]

	e.idempotency.MarkProcessed(name, cmd.Key())

	res.Timestamp = now

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(name).Inc()
		e.metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}

	return res, nil
}

func (e *Engine) commandRecord(cmd Command, now time.Time) *CommandRecord {
	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal command %s: %v", cmd.Name(), err))
	}
	return &CommandRecord{
		CommandSeq: e.commandSeq,
		Name:       cmd.Name(),
		Key:        cmd.Key(),
		AppliedAt:  now,
		Payload:    payload,
	}
}

// emit assigns the next sequence, extends the hash chain, and stages the
// event for flushing after the command commits.
func (e *Engine) emit(evt event.Event, key string, now time.Time) {
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal event %s: %v", evt.EventType(), err))
	}

	seq := e.sequence
	e.sequence++

	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(seq, e.stateDigest())

	env := &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		Timestamp:      now,
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}

	e.pending = append(e.pending, Output{Envelope: env, Event: evt})

	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(evt.EventType().String()).Inc()
	}
}

// stateDigest builds the canonical bytes hashed into the state chain: the
// six global counters, little-endian.
func (e *Engine) stateDigest() []byte {
	digest := make([]byte, 0, 6*8)
	for _, v := range []int64{
		e.totalDonated,
		e.totalAllocated,
		e.totalSpent,
		e.leftovers,
		e.uniqueDonators,
		e.bank.Balance(e.cfg.LedgerAccount),
	} {
		digest = appendInt64LE(digest, v)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Command handlers ---

func (e *Engine) handleDonate(c *Donate, now time.Time) (Result, error) {
	if c.Amount == 0 {
		return Result{}, ErrNullDonation
	}
	if c.Amount < 0 {
		return Result{}, ErrNullDonation
	}
	if c.Donator == "" {
		return Result{}, fmt.Errorf("donator account is required")
	}

	// Value arrives with the call and lands on the tracker's ledger account.
	if err := e.bank.Deposit(e.cfg.LedgerAccount, c.Amount); err != nil {
		return Result{}, fmt.Errorf("accept donation: %w", err)
	}

	lot, first, err := e.book.Append(c.Donator, c.Amount, now)
	if err != nil {
		// Undo the inbound deposit; the operation is atomic.
		if rbErr := e.bank.Withdraw(e.cfg.LedgerAccount, c.Amount); rbErr != nil {
			panic(fmt.Sprintf("FATAL: donation rollback failed: %v", rbErr))
		}
		return Result{}, err
	}

	e.totalDonated += c.Amount
	if first {
		e.uniqueDonators++
	}

	e.emit(&event.DonationReceived{
		Donator:   string(c.Donator),
		Amount:    c.Amount,
		Timestamp: now.Unix(),
		Index:     lot.Index,
	}, c.Key(), now)

	return Result{Index: lot.Index}, nil
}

func (e *Engine) handleAllocate(c *Allocate, now time.Time) (Result, error) {
	if c.Caller != e.cfg.Owner {
		return Result{}, ErrNotOwner
	}

	// Re-resolve against current state; never trust a caller snapshot.
	lot, err := e.book.At(c.Donator, c.Index)
	if err != nil {
		return Result{}, err
	}
	if lot.Allocated {
		return Result{}, &AlreadyAllocatedError{Donator: c.Donator, Index: c.Index}
	}

	recipients := e.table.recipients

	// Pre-flight: every recipient must be able to take on the claim before
	// any share moves, so a capacity failure leaves nothing half-applied.
	shares := make([]int64, len(recipients))
	var allocated int64
	for i, r := range recipients {
		shares[i] = lot.Amount * r.Percentage / BasisPoints
		allocated += shares[i]
		if shares[i] > 0 {
			if err := e.claims.CanAdd(r.Account, c.Donator); err != nil {
				return Result{}, err
			}
		}
	}

	// Transfer each share to its recipient payout account. A failed transfer
	// unwinds the ones already made: no partial allocation survives.
	for i, r := range recipients {
		if shares[i] == 0 {
			continue
		}
		if err := e.bank.Transfer(e.cfg.LedgerAccount, r.Account, shares[i]); err != nil {
			for j := 0; j < i; j++ {
				if shares[j] == 0 {
					continue
				}
				if rbErr := e.bank.Transfer(recipients[j].Account, e.cfg.LedgerAccount, shares[j]); rbErr != nil {
					panic(fmt.Sprintf("FATAL: allocation rollback failed: %v", rbErr))
				}
			}
			return Result{}, fmt.Errorf("transfer share to %s: %w", r.Account, err)
		}
	}

	// Commit accounting and emit one event per recipient, zero shares
	// included: a recipient whose share floors to zero still shows up in
	// the allocation record. CanAdd passed for every pair, so Add cannot
	// fail.
	for i, r := range recipients {
		if shares[i] > 0 {
			if err := e.claims.Add(r.Account, c.Donator, shares[i]); err != nil {
				panic(fmt.Sprintf("FATAL: claim add after pre-flight: %v", err))
			}
		}
		e.emit(&event.FundsAllocated{
			Donator:   string(c.Donator),
			From:      string(e.cfg.LedgerAccount),
			To:        string(r.Account),
			Amount:    shares[i],
			Timestamp: now.Unix(),
		}, c.Key(), now)
	}

	lot.Allocated = true
	e.totalAllocated += allocated
	// Integer floor division leaves a remainder; it is swept into the
	// leftover pool, never lost: Σ shares + leftover-delta == lot.Amount.
	e.leftovers += lot.Amount - allocated

	return Result{Amount: allocated}, nil
}

func (e *Engine) handlePayout(c *Payout, now time.Time) (Result, error) {
	recipient, ok := e.table.Get(c.Recipient)
	if !ok {
		return Result{}, &NotARecipientError{Caller: c.Recipient}
	}
	if c.Destination == "" {
		return Result{}, fmt.Errorf("payout destination is required")
	}
	if c.Amount < 0 {
		return Result{}, fmt.Errorf("payout amount must not be negative")
	}

	available := e.claims.Total(recipient.Account)
	if c.Amount > available {
		return Result{}, &InsufficientFundsError{Available: available, Requested: c.Amount}
	}

	// Zero is legal and a no-op past the validity check.
	if c.Amount == 0 {
		e.emit(&event.FundsSpent{
			Donator:   "",
			From:      string(recipient.Account),
			To:        string(c.Destination),
			Amount:    0,
			Timestamp: now.Unix(),
		}, c.Key(), now)
		return Result{}, nil
	}

	// Single value transfer for the full amount; the recipient's payout
	// account was funded at allocation time.
	if err := e.bank.Transfer(recipient.Account, c.Destination, c.Amount); err != nil {
		return Result{}, fmt.Errorf("payout transfer: %w", err)
	}

	// Drain claims and lots. The recipient's active donator set is walked in
	// insertion order; each donator's lots are the shared pool drained in
	// lot-creation order regardless of which recipient is drawing.
	remaining := c.Amount
	for _, donator := range e.claims.ActiveDonators(recipient.Account) {
		if remaining == 0 {
			break
		}

		owed := e.claims.Claim(recipient.Account, donator)
		draw := owed
		if remaining < draw {
			draw = remaining
		}

		if err := e.book.drain(donator, draw); err != nil {
			panic(fmt.Sprintf("FATAL: payout drain: %v", err))
		}
		if err := e.claims.Sub(recipient.Account, donator, draw); err != nil {
			panic(fmt.Sprintf("FATAL: payout claim: %v", err))
		}
		remaining -= draw

		e.emit(&event.FundsSpent{
			Donator:   string(donator),
			From:      string(recipient.Account),
			To:        string(c.Destination),
			Amount:    draw,
			Timestamp: now.Unix(),
		}, c.Key(), now)
		e.emit(&event.SpendingReason{
			Donator:   string(donator),
			Timestamp: now.Unix(),
			Message:   c.Memo,
		}, c.Key(), now)
	}

	if remaining != 0 {
		panic(fmt.Sprintf("FATAL: payout left %d of %d unapplied", remaining, c.Amount))
	}

	e.totalSpent += c.Amount

	return Result{Amount: c.Amount}, nil
}

func (e *Engine) handleRequestReceipt(c *RequestReceipt, now time.Time) (Result, error) {
	lot, err := e.book.At(c.Donator, c.Index)
	if err != nil {
		return Result{}, err
	}
	if c.Caller != lot.Donator {
		return Result{}, &NotADonatorError{Caller: c.Caller}
	}
	if lot.ReceiptRequested {
		return Result{}, &ReceiptAlreadyRequestedError{Donator: c.Donator, Index: c.Index}
	}

	lot.ReceiptRequested = true

	e.emit(&event.ReceiptRequested{
		Donator:   string(c.Donator),
		Index:     c.Index,
		Timestamp: now.Unix(),
	}, c.Key(), now)

	return Result{Index: c.Index}, nil
}

func (e *Engine) handleMintReceipt(c *MintReceipt, now time.Time) (Result, error) {
	if c.Caller != e.cfg.Owner {
		return Result{}, ErrNotOwner
	}

	lot, err := e.book.At(c.Donator, c.Index)
	if err != nil {
		return Result{}, err
	}
	if !lot.ReceiptRequested {
		return Result{}, &ReceiptNotRequestedError{Donator: c.Donator, Index: c.Index}
	}
	if lot.ReceiptMinted {
		return Result{}, &ReceiptAlreadyMintedError{Donator: c.Donator, Index: c.Index}
	}

	tokenID, err := e.issuer.Mint(c.Donator, c.TokenURI)
	if err != nil {
		return Result{}, fmt.Errorf("mint receipt: %w", err)
	}

	lot.ReceiptMinted = true
	lot.ReceiptTokenID = tokenID

	e.emit(&event.ReceiptMinted{
		Minter:    string(c.Caller),
		Donator:   string(c.Donator),
		Index:     c.Index,
		TokenID:   tokenID,
		Timestamp: now.Unix(),
	}, c.Key(), now)

	return Result{TokenID: tokenID}, nil
}

func (e *Engine) handleSweepLeftovers(c *SweepLeftovers, now time.Time) (Result, error) {
	if c.Caller != e.cfg.Owner {
		return Result{}, ErrNotOwner
	}
	if e.leftovers == 0 {
		return Result{}, ErrNoLeftovers
	}
	to := c.To
	if to == "" {
		to = e.cfg.Owner
	}

	amount := e.leftovers
	if err := e.bank.Transfer(e.cfg.LedgerAccount, to, amount); err != nil {
		return Result{}, fmt.Errorf("sweep leftovers: %w", err)
	}
	e.leftovers = 0

	e.emit(&event.LeftoverTransferred{
		From:      string(e.cfg.LedgerAccount),
		To:        string(to),
		Amount:    amount,
		Timestamp: now.Unix(),
	}, c.Key(), now)

	return Result{Amount: amount}, nil
}

func (e *Engine) handleEmergencyWithdraw(c *EmergencyWithdraw, now time.Time) (Result, error) {
	if c.Caller != e.cfg.Owner {
		return Result{}, ErrNotOwner
	}

	held := e.bank.Balance(e.cfg.LedgerAccount)
	if held == 0 {
		return Result{}, &InsufficientFundsError{Available: 0, Requested: 0}
	}

	if err := e.bank.Transfer(e.cfg.LedgerAccount, e.cfg.Owner, held); err != nil {
		return Result{}, fmt.Errorf("emergency withdraw: %w", err)
	}

	// Last-resort drain: per-donator and per-recipient bookkeeping is NOT
	// reconciled. The leftover pool is cleared because its backing value is
	// gone; lots and claims keep their pre-sweep values.
	e.leftovers = 0

	e.emit(&event.EmergencySwept{
		From:      string(e.cfg.LedgerAccount),
		To:        string(e.cfg.Owner),
		Amount:    held,
		Timestamp: now.Unix(),
	}, c.Key(), now)

	return Result{Amount: held}, nil
}

func rejectReason(err error) string {
	switch err.(type) {
	case *InvalidIndexError:
		return "invalid_index"
	case *AlreadyAllocatedError:
		return "already_allocated"
	case *InsufficientFundsError:
		return "insufficient_funds"
	case *TooManyDonationsError, *TooManyActiveDonatorsError:
		return "capacity"
	case *NotADonatorError, *NotARecipientError:
		return "unauthorized"
	case *ReceiptAlreadyRequestedError, *ReceiptNotRequestedError, *ReceiptAlreadyMintedError:
		return "receipt_state"
	}
	switch err {
	case ErrNullDonation:
		return "null_donation"
	case ErrNotOwner:
		return "unauthorized"
	case ErrNoLeftovers:
		return "no_leftovers"
	}
	return "other"
}

// Sequence returns the next event sequence number.
func (e *Engine) Sequence() int64 { return e.sequence }

// CommandSequence returns the last applied command sequence.
func (e *Engine) CommandSequence() int64 { return e.commandSeq }

// StateHash returns the current hash-chain tip.
func (e *Engine) StateHash() [32]byte { return e.hasher.GetPrevHash() }
