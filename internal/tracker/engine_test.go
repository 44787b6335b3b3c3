package tracker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Klem/donation-tracker/internal/bank"
	"github.com/Klem/donation-tracker/internal/event"
	"github.com/Klem/donation-tracker/internal/receipt"
	"github.com/Klem/donation-tracker/internal/tracker"
)

// --- Test helpers ---

const (
	testOwner  = tracker.Account("acct:owner")
	testLedger = tracker.Account("acct:tracker")
	alice      = tracker.Account("acct:alice")
	bob        = tracker.Account("acct:bob")
	carol      = tracker.Account("acct:carol")
	sink       = tracker.Account("acct:vendor")
)

// testRecipients is a 10/20/35/35 split in basis points.
func testRecipients() []tracker.Recipient {
	return []tracker.Recipient{
		{Name: "water", Account: "acct:water", Percentage: 1000},
		{Name: "food", Account: "acct:food", Percentage: 2000},
		{Name: "shelter", Account: "acct:shelter", Percentage: 3500},
		{Name: "health", Account: "acct:health", Percentage: 3500},
	}
}

// soleRecipient routes 100% to one account, which makes drain arithmetic
// exact in payout tests.
func soleRecipient() []tracker.Recipient {
	return []tracker.Recipient{
		{Name: "fund", Account: "acct:fund", Percentage: 10000},
	}
}

// newTestEngine creates an engine with buffered channels, an in-memory vault
// and minter, and no DB checker.
func newTestEngine(t *testing.T, cfg tracker.Config) (*tracker.Engine, *bank.Vault, chan tracker.Output) {
	t.Helper()
	if cfg.Owner == "" {
		cfg.Owner = testOwner
	}
	if cfg.LedgerAccount == "" {
		cfg.LedgerAccount = testLedger
	}
	if cfg.Recipients == nil {
		cfg.Recipients = testRecipients()
	}

	persistChan := make(chan tracker.Output, 1024)
	projChan := make(chan tracker.Output, 1024)
	vault := bank.NewVault()

	e, err := tracker.NewEngine(cfg, vault, receipt.NewMinter(), nil, nil, persistChan, projChan)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e, vault, persistChan
}

func ts(i int64) time.Time {
	return time.UnixMicro(1_000_000 + i*1000)
}

func mustDonate(donator tracker.Account, amount int64) *tracker.Donate {
	return &tracker.Donate{RequestID: uuid.New(), Donator: donator, Amount: amount}
}

func mustAllocate(caller, donator tracker.Account, index int) *tracker.Allocate {
	return &tracker.Allocate{RequestID: uuid.New(), Caller: caller, Donator: donator, Index: index}
}

func mustPayout(recipient tracker.Account, amount int64, dest tracker.Account, memo string) *tracker.Payout {
	return &tracker.Payout{RequestID: uuid.New(), Recipient: recipient, Amount: amount, Destination: dest, Memo: memo}
}

func mustRequestReceipt(caller, donator tracker.Account, index int) *tracker.RequestReceipt {
	return &tracker.RequestReceipt{RequestID: uuid.New(), Caller: caller, Donator: donator, Index: index}
}

func mustMintReceipt(caller, donator tracker.Account, index int, uri string) *tracker.MintReceipt {
	return &tracker.MintReceipt{RequestID: uuid.New(), Caller: caller, Donator: donator, Index: index, TokenURI: uri}
}

func apply(t *testing.T, e *tracker.Engine, cmd tracker.Command, at int64) tracker.Result {
	t.Helper()
	res, err := e.Apply(cmd, ts(at))
	if err != nil {
		t.Fatalf("Apply(%s) failed: %v", cmd.Name(), err)
	}
	return res
}

func drainOutputs(ch chan tracker.Output) []tracker.Output {
	var outputs []tracker.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Donations
// ============================================================================

func TestDonate_RecordsLotAndHoldsFunds(t *testing.T) {
	e, vault, persistCh := newTestEngine(t, tracker.Config{})

	res := apply(t, e, mustDonate(alice, 1_000), 0)
	if res.Index != 0 {
		t.Errorf("expected lot index 0, got %d", res.Index)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	evt, ok := outputs[0].Event.(*event.DonationReceived)
	if !ok {
		t.Fatalf("expected DonationReceived, got %T", outputs[0].Event)
	}
	if evt.Donator != string(alice) || evt.Amount != 1_000 || evt.Index != 0 {
		t.Errorf("unexpected event payload: %+v", evt)
	}
	if outputs[0].Command == nil {
		t.Error("first output of a command must carry its command record")
	}

	if got := vault.Balance(testLedger); got != 1_000 {
		t.Errorf("expected held balance 1000, got %d", got)
	}
	if totals := e.Totals(); totals.Donated != 1_000 || totals.UniqueDonators != 1 {
		t.Errorf("unexpected totals: %+v", totals)
	}
}

func TestDonate_ZeroOrNegativeAmount_Rejected(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})

	if _, err := e.Apply(mustDonate(alice, 0), ts(0)); err != tracker.ErrNullDonation {
		t.Errorf("expected ErrNullDonation for zero, got %v", err)
	}
	if _, err := e.Apply(mustDonate(alice, -5), ts(0)); err != tracker.ErrNullDonation {
		t.Errorf("expected ErrNullDonation for negative, got %v", err)
	}
	if e.Sequence() != 0 {
		t.Errorf("rejected commands must not advance the sequence, got %d", e.Sequence())
	}
}

func TestDonate_IndicesAssignAppendOnly(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})

	for i := int64(0); i < 5; i++ {
		res := apply(t, e, mustDonate(alice, 100), i)
		if res.Index != int(i) {
			t.Errorf("donation %d: expected index %d, got %d", i, i, res.Index)
		}
	}

	if got := e.DonationCount(alice); got != 5 {
		t.Errorf("expected 5 lots, got %d", got)
	}
	if got := e.DonatedTotal(alice); got != 500 {
		t.Errorf("expected donated total 500, got %d", got)
	}
}

func TestDonate_UniqueDonatorsCountedOnce(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 100), 0)
	apply(t, e, mustDonate(alice, 100), 1)
	apply(t, e, mustDonate(bob, 100), 2)

	if totals := e.Totals(); totals.UniqueDonators != 2 {
		t.Errorf("expected 2 unique donators, got %d", totals.UniqueDonators)
	}
}

func TestDonate_PerDonatorCap(t *testing.T) {
	e, vault, _ := newTestEngine(t, tracker.Config{MaxDonationsPerDonator: 2})

	apply(t, e, mustDonate(alice, 100), 0)
	apply(t, e, mustDonate(alice, 100), 1)

	_, err := e.Apply(mustDonate(alice, 100), ts(2))
	var capErr *tracker.TooManyDonationsError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected TooManyDonationsError, got %v", err)
	}
	if capErr.Count != 2 || capErr.Cap != 2 {
		t.Errorf("unexpected cap error: %+v", capErr)
	}

	// The rejected donation's value must not stick to the ledger account.
	if got := vault.Balance(testLedger); got != 200 {
		t.Errorf("expected held balance 200 after rollback, got %d", got)
	}

	// Other donators are unaffected.
	apply(t, e, mustDonate(bob, 100), 3)
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestApply_DuplicateRequestID_Skipped(t *testing.T) {
	e, vault, persistCh := newTestEngine(t, tracker.Config{})

	cmd := mustDonate(alice, 1_000)
	apply(t, e, cmd, 0)
	drainOutputs(persistCh)

	res, err := e.Apply(cmd, ts(1))
	if err != nil {
		t.Fatalf("duplicate apply errored: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected Duplicate result")
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("duplicate must emit nothing, got %d outputs", len(outputs))
	}
	if got := vault.Balance(testLedger); got != 1_000 {
		t.Errorf("duplicate must not move funds, balance %d", got)
	}
	if totals := e.Totals(); totals.Donated != 1_000 {
		t.Errorf("duplicate must not change totals: %+v", totals)
	}
}

func TestApply_SameKeyDifferentCommandName_NotDuplicate(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})

	id := uuid.New()
	apply(t, e, &tracker.Donate{RequestID: id, Donator: alice, Amount: 100}, 0)

	// Same request id under a different command name is a distinct command.
	res, err := e.Apply(&tracker.Allocate{RequestID: id, Caller: testOwner, Donator: alice, Index: 0}, ts(1))
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if res.Duplicate {
		t.Error("different command name must not collide on idempotency key")
	}
}

// ============================================================================
// Test: Allocation
// ============================================================================

func TestAllocate_FloorSharesAndLeftover(t *testing.T) {
	e, vault, persistCh := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 1_003), 0)
	drainOutputs(persistCh)

	res := apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	// floor(1003*10%)=100, floor(1003*20%)=200, floor(1003*35%)=351 twice.
	if res.Amount != 1_002 {
		t.Errorf("expected 1002 allocated, got %d", res.Amount)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 4 {
		t.Fatalf("expected 4 FundsAllocated outputs, got %d", len(outputs))
	}
	wantShares := map[string]int64{
		"acct:water":   100,
		"acct:food":    200,
		"acct:shelter": 351,
		"acct:health":  351,
	}
	for _, o := range outputs {
		evt, ok := o.Event.(*event.FundsAllocated)
		if !ok {
			t.Fatalf("expected FundsAllocated, got %T", o.Event)
		}
		if want := wantShares[evt.To]; evt.Amount != want {
			t.Errorf("recipient %s: expected share %d, got %d", evt.To, want, evt.Amount)
		}
		if vault.Balance(tracker.Account(evt.To)) != evt.Amount {
			t.Errorf("recipient %s: vault balance %d does not match share %d",
				evt.To, vault.Balance(tracker.Account(evt.To)), evt.Amount)
		}
	}

	totals := e.Totals()
	if totals.Allocated != 1_002 {
		t.Errorf("expected total allocated 1002, got %d", totals.Allocated)
	}
	if totals.Leftovers != 1 {
		t.Errorf("expected leftover 1, got %d", totals.Leftovers)
	}

	// Claims landed per (recipient, donator).
	if got := e.ClaimOf("acct:shelter", alice); got != 351 {
		t.Errorf("expected shelter claim 351, got %d", got)
	}
}

func TestAllocate_OneUnitLot_AllLeftover(t *testing.T) {
	e, _, persistCh := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 1), 0)
	drainOutputs(persistCh)

	res := apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	if res.Amount != 0 {
		t.Errorf("expected 0 allocated, got %d", res.Amount)
	}

	// A zero-share allocation still emits one event per recipient so the
	// command reaches the log and every recipient appears in the record.
	outputs := drainOutputs(persistCh)
	if len(outputs) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(outputs))
	}
	for _, o := range outputs {
		evt := o.Event.(*event.FundsAllocated)
		if evt.Amount != 0 {
			t.Errorf("recipient %s: expected zero share, got %d", evt.To, evt.Amount)
		}
	}

	if totals := e.Totals(); totals.Leftovers != 1 {
		t.Errorf("expected the whole unit in leftovers, got %d", totals.Leftovers)
	}

	// The lot is closed: a second allocation attempt fails.
	_, err := e.Apply(mustAllocate(testOwner, alice, 0), ts(2))
	var allocErr *tracker.AlreadyAllocatedError
	if !errors.As(err, &allocErr) {
		t.Errorf("expected AlreadyAllocatedError, got %v", err)
	}
}

func TestAllocate_ZeroShareRecipientStillGetsEvent(t *testing.T) {
	e, _, persistCh := newTestEngine(t, tracker.Config{})

	// 7 units under 10/20/35/35 floor to shares 0/1/2/2.
	apply(t, e, mustDonate(alice, 7), 0)
	drainOutputs(persistCh)

	res := apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	if res.Amount != 5 {
		t.Errorf("expected 5 allocated, got %d", res.Amount)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 4 {
		t.Fatalf("expected one output per recipient, got %d", len(outputs))
	}
	wantShares := map[string]int64{
		"acct:water":   0,
		"acct:food":    1,
		"acct:shelter": 2,
		"acct:health":  2,
	}
	for _, o := range outputs {
		evt := o.Event.(*event.FundsAllocated)
		if want := wantShares[evt.To]; evt.Amount != want {
			t.Errorf("recipient %s: expected share %d, got %d", evt.To, want, evt.Amount)
		}
	}

	// A zero share creates no claim and does not occupy an active slot.
	if got := e.ClaimOf("acct:water", alice); got != 0 {
		t.Errorf("expected no claim for the zero-share recipient, got %d", got)
	}
	if got := e.ActiveDonators("acct:water"); len(got) != 0 {
		t.Errorf("expected no active donators for the zero-share recipient, got %v", got)
	}
	if totals := e.Totals(); totals.Leftovers != 2 {
		t.Errorf("expected leftover 2, got %d", totals.Leftovers)
	}
}

func TestAllocate_Guards(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})
	apply(t, e, mustDonate(alice, 1_000), 0)

	if _, err := e.Apply(mustAllocate(bob, alice, 0), ts(1)); err != tracker.ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	var idxErr *tracker.InvalidIndexError
	if _, err := e.Apply(mustAllocate(testOwner, alice, 7), ts(1)); !errors.As(err, &idxErr) {
		t.Errorf("expected InvalidIndexError, got %v", err)
	}
	if _, err := e.Apply(mustAllocate(testOwner, bob, 0), ts(1)); !errors.As(err, &idxErr) {
		t.Errorf("expected InvalidIndexError for unknown donator, got %v", err)
	}

	apply(t, e, mustAllocate(testOwner, alice, 0), 2)
	var dupErr *tracker.AlreadyAllocatedError
	if _, err := e.Apply(mustAllocate(testOwner, alice, 0), ts(3)); !errors.As(err, &dupErr) {
		t.Errorf("expected AlreadyAllocatedError, got %v", err)
	}
}

func TestAllocate_ActiveDonatorCap(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{
		Recipients:        soleRecipient(),
		MaxActiveDonators: 2,
	})

	donators := []tracker.Account{alice, bob, carol}
	for i, d := range donators {
		apply(t, e, mustDonate(d, 1_000), int64(i))
	}
	apply(t, e, mustAllocate(testOwner, alice, 0), 10)
	apply(t, e, mustAllocate(testOwner, bob, 0), 11)

	_, err := e.Apply(mustAllocate(testOwner, carol, 0), ts(12))
	var capErr *tracker.TooManyActiveDonatorsError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected TooManyActiveDonatorsError, got %v", err)
	}

	// Draining one donator frees a slot.
	apply(t, e, mustPayout("acct:fund", 1_000, sink, "drain alice"), 13)
	apply(t, e, mustAllocate(testOwner, carol, 0), 14)
}

// ============================================================================
// Test: Payouts
// ============================================================================

func TestPayout_DrawsAgainstClaim(t *testing.T) {
	e, vault, persistCh := newTestEngine(t, tracker.Config{Recipients: soleRecipient()})

	apply(t, e, mustDonate(alice, 1_000), 0)
	apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	drainOutputs(persistCh)

	res := apply(t, e, mustPayout("acct:fund", 600, sink, "supplies"), 2)
	if res.Amount != 600 {
		t.Errorf("expected payout 600, got %d", res.Amount)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected FundsSpent + SpendingReason, got %d outputs", len(outputs))
	}
	spent := outputs[0].Event.(*event.FundsSpent)
	if spent.Donator != string(alice) || spent.Amount != 600 || spent.To != string(sink) {
		t.Errorf("unexpected FundsSpent: %+v", spent)
	}
	reason := outputs[1].Event.(*event.SpendingReason)
	if reason.Message != "supplies" || reason.Donator != string(alice) {
		t.Errorf("unexpected SpendingReason: %+v", reason)
	}
	// The reason envelope directly follows its FundsSpent in the log.
	if outputs[1].Envelope.Sequence != outputs[0].Envelope.Sequence+1 {
		t.Errorf("reason must follow its spend: %d vs %d",
			outputs[1].Envelope.Sequence, outputs[0].Envelope.Sequence)
	}

	if got := e.ClaimOf("acct:fund", alice); got != 400 {
		t.Errorf("expected remaining claim 400, got %d", got)
	}
	if got := e.UnspentTotal(alice); got != 400 {
		t.Errorf("expected unspent 400, got %d", got)
	}
	if got := vault.Balance(sink); got != 600 {
		t.Errorf("expected destination balance 600, got %d", got)
	}
}

func TestPayout_DrainsDonatorsInInsertionOrder(t *testing.T) {
	e, _, persistCh := newTestEngine(t, tracker.Config{Recipients: soleRecipient()})

	apply(t, e, mustDonate(alice, 100), 0)
	apply(t, e, mustDonate(bob, 200), 1)
	apply(t, e, mustAllocate(testOwner, alice, 0), 2)
	apply(t, e, mustAllocate(testOwner, bob, 0), 3)
	drainOutputs(persistCh)

	apply(t, e, mustPayout("acct:fund", 150, sink, "phase one"), 4)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 4 {
		t.Fatalf("expected 2 spend/reason pairs, got %d outputs", len(outputs))
	}
	first := outputs[0].Event.(*event.FundsSpent)
	second := outputs[2].Event.(*event.FundsSpent)
	if first.Donator != string(alice) || first.Amount != 100 {
		t.Errorf("first draw should exhaust alice: %+v", first)
	}
	if second.Donator != string(bob) || second.Amount != 50 {
		t.Errorf("second draw should dip into bob: %+v", second)
	}

	if got := e.ClaimOf("acct:fund", alice); got != 0 {
		t.Errorf("alice claim should be exhausted, got %d", got)
	}
	if got := e.ClaimOf("acct:fund", bob); got != 150 {
		t.Errorf("bob claim should be 150, got %d", got)
	}
	// Alice dropped out of the active set.
	active := e.ActiveDonators("acct:fund")
	if len(active) != 1 || active[0] != bob {
		t.Errorf("expected active set [bob], got %v", active)
	}
}

func TestPayout_FullyDrainedLot_SwapRemoved(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{Recipients: soleRecipient()})

	// Three allocated lots for alice: 100, 200, 300.
	for i, amount := range []int64{100, 200, 300} {
		apply(t, e, mustDonate(alice, amount), int64(i))
		apply(t, e, mustAllocate(testOwner, alice, i), int64(10+i))
	}

	// 100 drains lot 0 exactly; the last lot swaps into its slot.
	apply(t, e, mustPayout("acct:fund", 100, sink, "drain first"), 20)

	lots := e.Donations(alice)
	if len(lots) != 2 {
		t.Fatalf("expected 2 lots after compaction, got %d", len(lots))
	}
	if lots[0].Amount != 300 || lots[0].Index != 0 {
		t.Errorf("expected last lot swapped to index 0, got %+v", lots[0])
	}
	if lots[1].Amount != 200 || lots[1].Index != 1 {
		t.Errorf("expected middle lot untouched at index 1, got %+v", lots[1])
	}

	// Lifetime count is unaffected by compaction.
	if got := e.LifetimeDonationCount(alice); got != 3 {
		t.Errorf("expected lifetime count 3, got %d", got)
	}
}

func TestPayout_OldestLotsDrainFirst(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{Recipients: soleRecipient()})

	apply(t, e, mustDonate(alice, 100), 0)
	apply(t, e, mustDonate(alice, 100), 1)
	apply(t, e, mustAllocate(testOwner, alice, 0), 2)
	apply(t, e, mustAllocate(testOwner, alice, 1), 3)

	apply(t, e, mustPayout("acct:fund", 130, sink, "partial"), 4)

	lots := e.Donations(alice)
	if len(lots) != 1 {
		t.Fatalf("expected 1 lot left, got %d", len(lots))
	}
	// The first lot drained fully, the second took the remaining 30.
	if lots[0].Remaining != 70 {
		t.Errorf("expected 70 remaining on the younger lot, got %d", lots[0].Remaining)
	}
}

func TestPayout_MidDrainCompactionKeepsCursorInPlace(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{Recipients: soleRecipient()})

	apply(t, e, mustDonate(alice, 100), 0)
	apply(t, e, mustDonate(alice, 200), 1)
	apply(t, e, mustDonate(alice, 300), 2)
	for i := 0; i < 3; i++ {
		apply(t, e, mustAllocate(testOwner, alice, i), int64(3+i))
	}

	// Draining past the first lot compacts it, swapping the newest lot into
	// index 0. The cursor stays put, so the remaining 50 comes out of the
	// swapped-in 300 lot, not the chronologically older 200 lot.
	apply(t, e, mustPayout("acct:fund", 150, sink, "supplies"), 6)

	lots := e.Donations(alice)
	if len(lots) != 2 {
		t.Fatalf("expected 2 lots, got %d", len(lots))
	}
	if lots[0].Amount != 300 || lots[0].Remaining != 250 {
		t.Errorf("index 0: expected the 300 lot at 250 remaining, got %+v", lots[0])
	}
	if lots[1].Amount != 200 || lots[1].Remaining != 200 {
		t.Errorf("index 1: expected the 200 lot untouched, got %+v", lots[1])
	}
}

func TestPayout_Guards(t *testing.T) {
	e, _, persistCh := newTestEngine(t, tracker.Config{Recipients: soleRecipient()})

	apply(t, e, mustDonate(alice, 500), 0)
	apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	drainOutputs(persistCh)

	var notRecipient *tracker.NotARecipientError
	if _, err := e.Apply(mustPayout(bob, 10, sink, "x"), ts(2)); !errors.As(err, &notRecipient) {
		t.Errorf("expected NotARecipientError, got %v", err)
	}

	var insufficient *tracker.InsufficientFundsError
	_, err := e.Apply(mustPayout("acct:fund", 501, sink, "too much"), ts(2))
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if insufficient.Available != 500 || insufficient.Requested != 501 {
		t.Errorf("unexpected operands: %+v", insufficient)
	}

	// Zero is a validity probe: one no-op FundsSpent, no claims touched.
	apply(t, e, mustPayout("acct:fund", 0, sink, "probe"), 3)
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 no-op output, got %d", len(outputs))
	}
	if evt := outputs[0].Event.(*event.FundsSpent); evt.Amount != 0 || evt.Donator != "" {
		t.Errorf("unexpected no-op spend: %+v", evt)
	}
	if got := e.ClaimOf("acct:fund", alice); got != 500 {
		t.Errorf("zero payout must not touch claims, got %d", got)
	}
}

func TestPayout_SharedLotPool_OtherRecipientsDrainSameLots(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 1_000), 0)
	apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	// Shares: water 100, food 200, shelter 350, health 350; leftover 0.

	apply(t, e, mustPayout("acct:water", 100, sink, "wells"), 2)
	apply(t, e, mustPayout("acct:shelter", 350, sink, "tents"), 3)

	// Both payouts drained the same lot.
	lots := e.Donations(alice)
	if len(lots) != 1 || lots[0].Remaining != 550 {
		t.Fatalf("expected single lot with 550 remaining, got %+v", lots)
	}
	if totals := e.Totals(); totals.Spent != 450 {
		t.Errorf("expected total spent 450, got %d", totals.Spent)
	}
}

func TestPayout_FullDrainLeavesNoLots(t *testing.T) {
	e, vault, _ := newTestEngine(t, tracker.Config{})

	// 1000 splits exactly across 10/20/35/35, so claims cover every unit.
	apply(t, e, mustDonate(alice, 1_000), 0)
	apply(t, e, mustAllocate(testOwner, alice, 0), 1)

	apply(t, e, mustPayout("acct:water", 100, sink, "wells"), 2)
	apply(t, e, mustPayout("acct:food", 200, sink, "meals"), 3)
	apply(t, e, mustPayout("acct:shelter", 350, sink, "tents"), 4)
	apply(t, e, mustPayout("acct:health", 350, sink, "clinic"), 5)

	if lots := e.Donations(alice); len(lots) != 0 {
		t.Fatalf("expected no lots after full drain, got %+v", lots)
	}
	if got := e.DonationCount(alice); got != 0 {
		t.Errorf("expected live count 0, got %d", got)
	}
	if got := e.LifetimeDonationCount(alice); got != 1 {
		t.Errorf("lifetime count must survive compaction, got %d", got)
	}
	if got := vault.Balance(sink); got != 1_000 {
		t.Errorf("expected 1000 at destination, got %d", got)
	}

	// The drained index is gone; probing it is a bounds error.
	var invalid *tracker.InvalidIndexError
	if _, err := e.Apply(mustRequestReceipt(alice, alice, 0), ts(6)); !errors.As(err, &invalid) {
		t.Errorf("expected InvalidIndexError on drained index, got %v", err)
	}
}

// ============================================================================
// Test: Receipts
// ============================================================================

func TestReceipt_RequestThenMint(t *testing.T) {
	e, _, persistCh := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 500), 0)
	drainOutputs(persistCh)

	apply(t, e, mustRequestReceipt(alice, alice, 0), 1)
	res := apply(t, e, mustMintReceipt(testOwner, alice, 0, "ipfs://receipt/1"), 2)
	if res.TokenID != 1 {
		t.Errorf("expected first token id 1, got %d", res.TokenID)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	minted := outputs[1].Event.(*event.ReceiptMinted)
	if minted.TokenID != 1 || minted.Donator != string(alice) || minted.Minter != string(testOwner) {
		t.Errorf("unexpected ReceiptMinted: %+v", minted)
	}

	lot, err := e.DonationAt(alice, 0)
	if err != nil {
		t.Fatalf("DonationAt: %v", err)
	}
	if !lot.ReceiptRequested || !lot.ReceiptMinted || lot.ReceiptTokenID != 1 {
		t.Errorf("lot receipt flags not set: %+v", lot)
	}
}

func TestReceipt_StateMachineGuards(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})
	apply(t, e, mustDonate(alice, 500), 0)

	// Only the lot's donator may request.
	var notDonator *tracker.NotADonatorError
	if _, err := e.Apply(mustRequestReceipt(bob, alice, 0), ts(1)); !errors.As(err, &notDonator) {
		t.Errorf("expected NotADonatorError, got %v", err)
	}

	// Mint before request is rejected.
	var notRequested *tracker.ReceiptNotRequestedError
	if _, err := e.Apply(mustMintReceipt(testOwner, alice, 0, "u"), ts(1)); !errors.As(err, &notRequested) {
		t.Errorf("expected ReceiptNotRequestedError, got %v", err)
	}

	apply(t, e, mustRequestReceipt(alice, alice, 0), 2)

	var alreadyRequested *tracker.ReceiptAlreadyRequestedError
	if _, err := e.Apply(mustRequestReceipt(alice, alice, 0), ts(3)); !errors.As(err, &alreadyRequested) {
		t.Errorf("expected ReceiptAlreadyRequestedError, got %v", err)
	}

	// Only the owner mints.
	if _, err := e.Apply(mustMintReceipt(alice, alice, 0, "u"), ts(3)); err != tracker.ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	apply(t, e, mustMintReceipt(testOwner, alice, 0, "u"), 4)

	var alreadyMinted *tracker.ReceiptAlreadyMintedError
	if _, err := e.Apply(mustMintReceipt(testOwner, alice, 0, "u"), ts(5)); !errors.As(err, &alreadyMinted) {
		t.Errorf("expected ReceiptAlreadyMintedError, got %v", err)
	}
}

func TestReceipt_TokenIDsMonotonic(t *testing.T) {
	e, _, _ := newTestEngine(t, tracker.Config{})

	for i := int64(0); i < 3; i++ {
		apply(t, e, mustDonate(alice, 100), i)
		apply(t, e, mustRequestReceipt(alice, alice, int(i)), 10+i)
		res := apply(t, e, mustMintReceipt(testOwner, alice, int(i), "u"), 20+i)
		if res.TokenID != i+1 {
			t.Errorf("mint %d: expected token id %d, got %d", i, i+1, res.TokenID)
		}
	}
}

// ============================================================================
// Test: Leftover sweep and emergency withdraw
// ============================================================================

func TestSweepLeftovers(t *testing.T) {
	e, vault, persistCh := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 1_003), 0)
	apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	drainOutputs(persistCh)

	if _, err := e.Apply(&tracker.SweepLeftovers{RequestID: uuid.New(), Caller: bob}, ts(2)); err != tracker.ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	// Default destination is the owner.
	res := apply(t, e, &tracker.SweepLeftovers{RequestID: uuid.New(), Caller: testOwner}, 3)
	if res.Amount != 1 {
		t.Errorf("expected swept amount 1, got %d", res.Amount)
	}
	outputs := drainOutputs(persistCh)
	evt := outputs[0].Event.(*event.LeftoverTransferred)
	if evt.To != string(testOwner) || evt.Amount != 1 {
		t.Errorf("unexpected LeftoverTransferred: %+v", evt)
	}
	if got := vault.Balance(testOwner); got != 1 {
		t.Errorf("expected owner balance 1, got %d", got)
	}
	if totals := e.Totals(); totals.Leftovers != 0 {
		t.Errorf("expected leftover pool drained, got %d", totals.Leftovers)
	}

	// Empty pool rejects the next sweep.
	if _, err := e.Apply(&tracker.SweepLeftovers{RequestID: uuid.New(), Caller: testOwner}, ts(4)); err != tracker.ErrNoLeftovers {
		t.Errorf("expected ErrNoLeftovers, got %v", err)
	}
}

func TestEmergencyWithdraw_DrainsHeldBalance(t *testing.T) {
	e, vault, persistCh := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 700), 0)
	apply(t, e, mustDonate(bob, 300), 1)
	drainOutputs(persistCh)

	if _, err := e.Apply(&tracker.EmergencyWithdraw{RequestID: uuid.New(), Caller: alice}, ts(2)); err != tracker.ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	res := apply(t, e, &tracker.EmergencyWithdraw{RequestID: uuid.New(), Caller: testOwner}, 3)
	if res.Amount != 1_000 {
		t.Errorf("expected 1000 swept, got %d", res.Amount)
	}

	outputs := drainOutputs(persistCh)
	evt := outputs[0].Event.(*event.EmergencySwept)
	if evt.Amount != 1_000 || evt.To != string(testOwner) {
		t.Errorf("unexpected EmergencySwept: %+v", evt)
	}

	if got := vault.Balance(testLedger); got != 0 {
		t.Errorf("expected held balance 0, got %d", got)
	}
	if got := vault.Balance(testOwner); got != 1_000 {
		t.Errorf("expected owner balance 1000, got %d", got)
	}

	// Bookkeeping is deliberately not reconciled: the lots survive.
	if got := e.DonationCount(alice); got != 1 {
		t.Errorf("expected alice's lot to survive, got %d", got)
	}

	// Empty vault rejects a second sweep.
	var insufficient *tracker.InsufficientFundsError
	if _, err := e.Apply(&tracker.EmergencyWithdraw{RequestID: uuid.New(), Caller: testOwner}, ts(4)); !errors.As(err, &insufficient) {
		t.Errorf("expected InsufficientFundsError, got %v", err)
	}
}

// ============================================================================
// Test: Hash chain and determinism
// ============================================================================

func TestHashChain_EnvelopesLink(t *testing.T) {
	e, _, persistCh := newTestEngine(t, tracker.Config{})

	apply(t, e, mustDonate(alice, 1_000), 0)
	apply(t, e, mustAllocate(testOwner, alice, 0), 1)
	apply(t, e, mustPayout("acct:water", 50, sink, "wells"), 2)

	outputs := drainOutputs(persistCh)
	if len(outputs) < 3 {
		t.Fatalf("expected several outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash does not chain", i)
		}
	}
	if e.StateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("engine tip hash does not match last envelope")
	}
}

func TestDeterminism_SameCommandsSameHash(t *testing.T) {
	run := func() [32]byte {
		e, _, persistCh := newTestEngine(t, tracker.Config{})
		go func() {
			for range persistCh {
			}
		}()

		id := func(n byte) uuid.UUID {
			var u uuid.UUID
			u[0] = n
			return u
		}

		e.Apply(&tracker.Donate{RequestID: id(1), Donator: alice, Amount: 1_003}, ts(0))
		e.Apply(&tracker.Donate{RequestID: id(2), Donator: bob, Amount: 500}, ts(1))
		e.Apply(&tracker.Allocate{RequestID: id(3), Caller: testOwner, Donator: alice, Index: 0}, ts(2))
		e.Apply(&tracker.Payout{RequestID: id(4), Recipient: "acct:food", Amount: 150, Destination: sink, Memo: "m"}, ts(3))
		e.Apply(&tracker.RequestReceipt{RequestID: id(5), Caller: bob, Donator: bob, Index: 0}, ts(4))
		e.Apply(&tracker.MintReceipt{RequestID: id(6), Caller: testOwner, Donator: bob, Index: 0, TokenURI: "u"}, ts(5))
		return e.StateHash()
	}

	if run() != run() {
		t.Error("identical command streams must produce identical state hashes")
	}
}
