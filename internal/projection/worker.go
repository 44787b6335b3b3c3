package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/Klem/donation-tracker/internal/event"
	"github.com/Klem/donation-tracker/internal/observability"
	"github.com/Klem/donation-tracker/internal/tracker"
)

// Worker updates the read-side projection tables from applied events. The
// projection channel is non-blocking with drop: if this worker falls
// behind, events are skipped and the tables are rebuilt from the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan tracker.Output
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan tracker.Output, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				if w.metrics != nil {
					w.metrics.ProjectionErrors.WithLabelValues(output.Envelope.EventType.String()).Inc()
				}
				// Continue — projections are eventually consistent and can
				// be rebuilt from the event log
			}

			w.lastSeq = output.Envelope.Sequence
			if w.metrics != nil {
				w.metrics.ProjectionLastSeq.Set(float64(w.lastSeq))
			}
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output tracker.Output) error {
	start := time.Now()
	eventType := output.Envelope.EventType.String()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	switch e := output.Event.(type) {
	case *event.DonationReceived:
		err = w.applyDonationReceived(ctx, tx, seq, e)
	case *event.FundsAllocated:
		err = w.applyFundsAllocated(ctx, tx, seq, e)
	case *event.FundsSpent:
		err = w.applyFundsSpent(ctx, tx, seq, e)
	case *event.SpendingReason:
		err = w.applySpendingReason(ctx, tx, seq, e)
	case *event.ReceiptRequested:
		err = w.applyReceiptRequested(ctx, tx, seq, e)
	case *event.ReceiptMinted:
		err = w.applyReceiptMinted(ctx, tx, seq, e)
	case *event.LeftoverTransferred:
		err = w.applyLeftoverTransferred(ctx, tx, seq, e)
	case *event.EmergencySwept:
		err = w.applyEmergencySwept(ctx, tx, seq, e)
	default:
		err = fmt.Errorf("unknown event type: %T", output.Event)
	}
	if err != nil {
		return err
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (w *Worker) applyDonationReceived(ctx context.Context, tx *sql.Tx, seq int64, e *event.DonationReceived) error {
	// Donation rows are keyed (donator, lot_index). Lot indices are reused
	// after payout compaction, so the upsert replaces a drained lot's row.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.donations (donator, lot_index, amount, remaining, donated_at, last_sequence)
		VALUES ($1, $2, $3, $3, to_timestamp($4), $5)
		ON CONFLICT (donator, lot_index)
		DO UPDATE SET amount = $3, remaining = $3, donated_at = to_timestamp($4), last_sequence = $5
	`, e.Donator, e.Index, e.Amount, e.Timestamp, seq); err != nil {
		return fmt.Errorf("donations projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.donator_stats (donator, total_donated, donation_count, last_sequence)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (donator)
		DO UPDATE SET total_donated = projections.donator_stats.total_donated + $2,
		              donation_count = projections.donator_stats.donation_count + 1,
		              last_sequence = $3
	`, e.Donator, e.Amount, seq); err != nil {
		return fmt.Errorf("donator_stats projection: %w", err)
	}

	return nil
}

func (w *Worker) applyFundsAllocated(ctx context.Context, tx *sql.Tx, seq int64, e *event.FundsAllocated) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.allocations (sequence, donator, from_account, to_account, amount, allocated_at)
		VALUES ($1, $2, $3, $4, $5, to_timestamp($6))
		ON CONFLICT (sequence) DO NOTHING
	`, seq, e.Donator, e.From, e.To, e.Amount, e.Timestamp); err != nil {
		return fmt.Errorf("allocations projection: %w", err)
	}

	// Zero-amount events record a share that floored to nothing; they
	// belong in the allocation history but not in any recipient's stats.
	if e.Amount > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.recipient_stats (recipient, total_allocated, total_spent, last_sequence)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (recipient)
			DO UPDATE SET total_allocated = projections.recipient_stats.total_allocated + $2,
			              last_sequence = $3
		`, e.To, e.Amount, seq); err != nil {
			return fmt.Errorf("recipient_stats projection: %w", err)
		}
	}

	return nil
}

func (w *Worker) applyFundsSpent(ctx context.Context, tx *sql.Tx, seq int64, e *event.FundsSpent) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.spendings (sequence, donator, from_account, to_account, amount, spent_at)
		VALUES ($1, $2, $3, $4, $5, to_timestamp($6))
		ON CONFLICT (sequence) DO NOTHING
	`, seq, e.Donator, e.From, e.To, e.Amount, e.Timestamp); err != nil {
		return fmt.Errorf("spendings projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.recipient_stats (recipient, total_allocated, total_spent, last_sequence)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (recipient)
		DO UPDATE SET total_spent = projections.recipient_stats.total_spent + $2,
		              last_sequence = $3
	`, e.From, e.Amount, seq); err != nil {
		return fmt.Errorf("recipient_stats projection: %w", err)
	}

	if e.Donator != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.donator_stats
			SET total_spent = total_spent + $2, last_sequence = $3
			WHERE donator = $1
		`, e.Donator, e.Amount, seq); err != nil {
			return fmt.Errorf("donator_stats spent update: %w", err)
		}
	}

	return nil
}

func (w *Worker) applySpendingReason(ctx context.Context, tx *sql.Tx, seq int64, e *event.SpendingReason) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.spending_reasons (sequence, donator, message, spent_at)
		VALUES ($1, $2, $3, to_timestamp($4))
		ON CONFLICT (sequence) DO NOTHING
	`, seq, e.Donator, e.Message, e.Timestamp)
	if err != nil {
		return fmt.Errorf("spending_reasons projection: %w", err)
	}
	return nil
}

func (w *Worker) applyReceiptRequested(ctx context.Context, tx *sql.Tx, seq int64, e *event.ReceiptRequested) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.receipt_requests (donator, lot_index, requested_at, last_sequence)
		VALUES ($1, $2, to_timestamp($3), $4)
		ON CONFLICT (donator, lot_index)
		DO UPDATE SET requested_at = to_timestamp($3), last_sequence = $4
	`, e.Donator, e.Index, e.Timestamp, seq)
	if err != nil {
		return fmt.Errorf("receipt_requests projection: %w", err)
	}
	return nil
}

func (w *Worker) applyReceiptMinted(ctx context.Context, tx *sql.Tx, seq int64, e *event.ReceiptMinted) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.receipts (token_id, minter, donator, lot_index, minted_at, last_sequence)
		VALUES ($1, $2, $3, $4, to_timestamp($5), $6)
		ON CONFLICT (token_id) DO NOTHING
	`, e.TokenID, e.Minter, e.Donator, e.Index, e.Timestamp, seq)
	if err != nil {
		return fmt.Errorf("receipts projection: %w", err)
	}
	return nil
}

func (w *Worker) applyLeftoverTransferred(ctx context.Context, tx *sql.Tx, seq int64, e *event.LeftoverTransferred) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.leftover_transfers (sequence, from_account, to_account, amount, transferred_at)
		VALUES ($1, $2, $3, $4, to_timestamp($5))
		ON CONFLICT (sequence) DO NOTHING
	`, seq, e.From, e.To, e.Amount, e.Timestamp)
	if err != nil {
		return fmt.Errorf("leftover_transfers projection: %w", err)
	}
	return nil
}

func (w *Worker) applyEmergencySwept(ctx context.Context, tx *sql.Tx, seq int64, e *event.EmergencySwept) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.emergency_withdrawals (sequence, from_account, to_account, amount, swept_at)
		VALUES ($1, $2, $3, $4, to_timestamp($5))
		ON CONFLICT (sequence) DO NOTHING
	`, seq, e.From, e.To, e.Amount, e.Timestamp)
	if err != nil {
		return fmt.Errorf("emergency_withdrawals projection: %w", err)
	}
	return nil
}

// Rebuild truncates all projection tables and replays the event log into
// them. Used when the non-blocking channel dropped events or after schema
// changes.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.donations`,
		`TRUNCATE projections.donator_stats`,
		`TRUNCATE projections.allocations`,
		`TRUNCATE projections.recipient_stats`,
		`TRUNCATE projections.spendings`,
		`TRUNCATE projections.spending_reasons`,
		`TRUNCATE projections.receipt_requests`,
		`TRUNCATE projections.receipts`,
		`TRUNCATE projections.leftover_transfers`,
		`TRUNCATE projections.emergency_withdrawals`,
		`TRUNCATE projections.watermark`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	log.Println("INFO: projection tables truncated, replay the event log to rebuild")
	return nil
}
