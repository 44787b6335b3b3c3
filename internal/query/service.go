package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to the projection tables. Responses
// include as_of_sequence so clients can reason about freshness relative to
// the engine's event sequence.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetDonations returns a donator's current lots in index order.
func (s *Service) GetDonations(ctx context.Context, donator string) ([]DonationResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT donator, lot_index, amount, remaining, donated_at
		FROM projections.donations
		WHERE donator = $1
		ORDER BY lot_index
	`, donator)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DonationResponse
	for rows.Next() {
		var d DonationResponse
		if err := rows.Scan(&d.Donator, &d.LotIndex, &d.Amount, &d.Remaining, &d.DonatedAt); err != nil {
			return nil, err
		}
		d.AsOfSequence = asOfSeq
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDonatorStats returns a donator's aggregate history.
func (s *Service) GetDonatorStats(ctx context.Context, donator string) (*DonatorStatsResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &DonatorStatsResponse{Donator: donator, AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT total_donated, total_spent, donation_count
		FROM projections.donator_stats
		WHERE donator = $1
	`, donator).Scan(&resp.TotalDonated, &resp.TotalSpent, &resp.DonationCount)
	if err == sql.ErrNoRows {
		return resp, nil // Unknown donator: all zeroes
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRecipientStats returns a recipient's aggregate allocation history.
func (s *Service) GetRecipientStats(ctx context.Context, recipient string) (*RecipientStatsResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &RecipientStatsResponse{Recipient: recipient, AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT total_allocated, total_spent
		FROM projections.recipient_stats
		WHERE recipient = $1
	`, recipient).Scan(&resp.TotalAllocated, &resp.TotalSpent)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAllocations returns allocation transfers for a donator, newest first.
func (s *Service) GetAllocations(ctx context.Context, donator string, limit int) ([]AllocationResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, donator, from_account, to_account, amount, allocated_at
		FROM projections.allocations
		WHERE donator = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, donator, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AllocationResponse
	for rows.Next() {
		var a AllocationResponse
		if err := rows.Scan(&a.Sequence, &a.Donator, &a.FromAccount, &a.ToAccount, &a.Amount, &a.AllocatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetSpendings returns payout draws for a donator, newest first, with the
// spending reason attached when one was recorded.
func (s *Service) GetSpendings(ctx context.Context, donator string, limit int) ([]SpendingResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	// The reason event always directly follows its FundsSpent event, hence
	// the sequence+1 join.
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.sequence, s.donator, s.from_account, s.to_account, s.amount,
		       COALESCE(r.message, ''), s.spent_at
		FROM projections.spendings s
		LEFT JOIN projections.spending_reasons r ON r.sequence = s.sequence + 1
		WHERE s.donator = $1
		ORDER BY s.sequence DESC
		LIMIT $2
	`, donator, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpendingResponse
	for rows.Next() {
		var sp SpendingResponse
		if err := rows.Scan(&sp.Sequence, &sp.Donator, &sp.FromAccount, &sp.ToAccount, &sp.Amount, &sp.Reason, &sp.SpentAt); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// GetReceipt returns a minted receipt by token id.
func (s *Service) GetReceipt(ctx context.Context, tokenID int64) (*ReceiptResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &ReceiptResponse{AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT token_id, minter, donator, lot_index, minted_at
		FROM projections.receipts
		WHERE token_id = $1
	`, tokenID).Scan(&resp.TokenID, &resp.Minter, &resp.Donator, &resp.LotIndex, &resp.MintedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetReceiptsByDonator returns all receipts minted for a donator's lots.
func (s *Service) GetReceiptsByDonator(ctx context.Context, donator string) ([]ReceiptResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, minter, donator, lot_index, minted_at
		FROM projections.receipts
		WHERE donator = $1
		ORDER BY token_id
	`, donator)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceiptResponse
	for rows.Next() {
		var r ReceiptResponse
		if err := rows.Scan(&r.TokenID, &r.Minter, &r.Donator, &r.LotIndex, &r.MintedAt); err != nil {
			return nil, err
		}
		r.AsOfSequence = asOfSeq
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
