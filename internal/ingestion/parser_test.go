package ingestion_test

import (
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/Klem/donation-tracker/internal/ingestion"
	"github.com/Klem/donation-tracker/internal/tracker"
)

var testID = uuid.MustParse("6f1c2a34-0000-4000-8000-000000000001")

func TestParseCommand_Donate(t *testing.T) {
	data := fmt.Sprintf(`{"request_id":%q,"donator":"acct:alice","amount":1000}`, testID)
	cmd, err := ingestion.ParseCommand("Donate", []byte(data))
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}

	donate, ok := cmd.(*tracker.Donate)
	if !ok {
		t.Fatalf("expected *tracker.Donate, got %T", cmd)
	}
	if donate.Donator != "acct:alice" || donate.Amount != 1000 {
		t.Errorf("unexpected command: %+v", donate)
	}
	if donate.Key() != testID.String() {
		t.Errorf("idempotency key must be the request id, got %s", donate.Key())
	}
}

func TestParseCommand_DonateValidation(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"missing request id", `{"donator":"acct:a","amount":10}`},
		{"bad request id", `{"request_id":"nope","donator":"acct:a","amount":10}`},
		{"missing donator", fmt.Sprintf(`{"request_id":%q,"amount":10}`, testID)},
		{"zero amount", fmt.Sprintf(`{"request_id":%q,"donator":"acct:a","amount":0}`, testID)},
		{"negative amount", fmt.Sprintf(`{"request_id":%q,"donator":"acct:a","amount":-10}`, testID)},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseCommand("Donate", []byte(tc.data)); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestParseCommand_Payout(t *testing.T) {
	data := fmt.Sprintf(`{"request_id":%q,"recipient":"acct:fund","amount":250,"destination":"acct:vendor","memo":"supplies"}`, testID)
	cmd, err := ingestion.ParseCommand("Payout", []byte(data))
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	payout := cmd.(*tracker.Payout)
	if payout.Recipient != "acct:fund" || payout.Amount != 250 || payout.Destination != "acct:vendor" || payout.Memo != "supplies" {
		t.Errorf("unexpected command: %+v", payout)
	}

	// Zero is legal (validity probe); negative is not; destination required.
	zero := fmt.Sprintf(`{"request_id":%q,"recipient":"acct:fund","amount":0,"destination":"acct:vendor"}`, testID)
	if _, err := ingestion.ParseCommand("Payout", []byte(zero)); err != nil {
		t.Errorf("zero payout should parse: %v", err)
	}
	neg := fmt.Sprintf(`{"request_id":%q,"recipient":"acct:fund","amount":-1,"destination":"acct:vendor"}`, testID)
	if _, err := ingestion.ParseCommand("Payout", []byte(neg)); err == nil {
		t.Error("negative payout must not parse")
	}
	noDest := fmt.Sprintf(`{"request_id":%q,"recipient":"acct:fund","amount":1}`, testID)
	if _, err := ingestion.ParseCommand("Payout", []byte(noDest)); err == nil {
		t.Error("missing destination must not parse")
	}
}

func TestParseCommand_RequestReceipt_DefaultsDonatorToCaller(t *testing.T) {
	data := fmt.Sprintf(`{"request_id":%q,"caller":"acct:alice","index":2}`, testID)
	cmd, err := ingestion.ParseCommand("RequestReceipt", []byte(data))
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	req := cmd.(*tracker.RequestReceipt)
	if req.Donator != "acct:alice" {
		t.Errorf("expected donator to default to caller, got %s", req.Donator)
	}
	if req.Index != 2 {
		t.Errorf("expected index 2, got %d", req.Index)
	}
}

func TestParseCommand_AdminCommands(t *testing.T) {
	sweep := fmt.Sprintf(`{"request_id":%q,"caller":"acct:owner","to":"acct:charity"}`, testID)
	cmd, err := ingestion.ParseCommand("SweepLeftovers", []byte(sweep))
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	if got := cmd.(*tracker.SweepLeftovers).To; got != "acct:charity" {
		t.Errorf("unexpected sweep target: %s", got)
	}

	withdraw := fmt.Sprintf(`{"request_id":%q,"caller":"acct:owner"}`, testID)
	if _, err := ingestion.ParseCommand("EmergencyWithdraw", []byte(withdraw)); err != nil {
		t.Errorf("EmergencyWithdraw should parse: %v", err)
	}

	mint := fmt.Sprintf(`{"request_id":%q,"caller":"acct:owner","donator":"acct:alice","index":0,"token_uri":"ipfs://r"}`, testID)
	minted, err := ingestion.ParseCommand("MintReceipt", []byte(mint))
	if err != nil {
		t.Fatalf("MintReceipt should parse: %v", err)
	}
	if got := minted.(*tracker.MintReceipt).TokenURI; got != "ipfs://r" {
		t.Errorf("unexpected token uri: %s", got)
	}
}

func TestParseCommand_UnknownName(t *testing.T) {
	if _, err := ingestion.ParseCommand("Liquidate", []byte(`{}`)); err == nil {
		t.Error("unknown command name must not parse")
	}
}

func TestParseCommand_BareValueTransferRejected(t *testing.T) {
	for _, name := range []string{"Transfer", "Deposit", "Send"} {
		if _, err := ingestion.ParseCommand(name, []byte(`{"amount":100}`)); err != tracker.ErrUseDonate {
			t.Errorf("%s: expected ErrUseDonate, got %v", name, err)
		}
	}
}
