package store

import (
	"context"
	"fmt"
	"sort"

	"transfer-ledger/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// AuditReport is the outcome of a full ledger scan.
type AuditReport struct {
	Accounts  int
	Transfers int
	Events    int

	// Totals is the sum of balances per currency.
	Totals map[string]decimal.Decimal

	NegativeBalances []string // account ids
	HashMismatches   []string // transfer ids whose request_hash disagrees with the row
	MissingEvents    []string // transfer ids without exactly one event_log row
	EventMismatches  []string // transfer ids whose canonical event payload disagrees with the row
}

func (r AuditReport) OK() bool {
	return len(r.NegativeBalances) == 0 &&
		len(r.HashMismatches) == 0 &&
		len(r.MissingEvents) == 0 &&
		len(r.EventMismatches) == 0
}

// Verify scans the ledger inside one REPEATABLE READ read-only transaction so
// the report describes a single snapshot.
func (s *Store) Verify(ctx context.Context) (AuditReport, error) {
	report := AuditReport{Totals: make(map[string]decimal.Decimal)}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return report, classify("begin audit", err)
	}
	defer tx.Rollback(ctx)

	if err := auditAccounts(ctx, tx, &report); err != nil {
		return report, err
	}
	if err := auditTransfers(ctx, tx, &report); err != nil {
		return report, err
	}
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM event_log`).Scan(&report.Events); err != nil {
		return report, classify("count events", err)
	}

	sort.Strings(report.NegativeBalances)
	sort.Strings(report.HashMismatches)
	sort.Strings(report.MissingEvents)
	sort.Strings(report.EventMismatches)
	return report, nil
}

func auditAccounts(ctx context.Context, tx pgx.Tx, report *AuditReport) error {
	rows, err := tx.Query(ctx,
		`SELECT account_id, currency, balance::text, created_at, updated_at FROM accounts`)
	if err != nil {
		return classify("scan accounts", err)
	}
	defer rows.Close()

	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return fmt.Errorf("scan accounts: %w", err)
		}
		report.Accounts++
		report.Totals[acc.Currency] = report.Totals[acc.Currency].Add(acc.Balance)
		if acc.Balance.IsNegative() {
			report.NegativeBalances = append(report.NegativeBalances, acc.ID)
		}
	}
	return classify("scan accounts", rows.Err())
}

func auditTransfers(ctx context.Context, tx pgx.Tx, report *AuditReport) error {
	rows, err := tx.Query(ctx,
		`SELECT t.transfer_id, t.request_id, t.source_account_id, t.target_account_id,
		        t.currency, t.amount::text, t.state, t.request_hash, t.created_at,
		        count(e.seq), COALESCE(min(e.payload_canonical), '')
		   FROM transfers t
		   LEFT JOIN event_log e
		     ON e.aggregate_type='TRANSFER' AND e.aggregate_id=t.transfer_id
		  GROUP BY t.transfer_id`)
	if err != nil {
		return classify("scan transfers", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			events    int
			canonical string
		)
		rec, err := scanTransferWith(rows, &events, &canonical)
		if err != nil {
			return fmt.Errorf("scan transfers: %w", err)
		}
		report.Transfers++

		hash, err := domain.RecordFingerprint(rec)
		if err != nil {
			return fmt.Errorf("fingerprint %s: %w", rec.ID, err)
		}
		if hash != rec.RequestHash {
			report.HashMismatches = append(report.HashMismatches, rec.ID)
		}

		if events != 1 {
			report.MissingEvents = append(report.MissingEvents, rec.ID)
			continue
		}
		want, err := domain.CanonicalJSON(domain.NewTransferEvent(rec))
		if err != nil {
			return fmt.Errorf("canonical event %s: %w", rec.ID, err)
		}
		if string(want) != canonical {
			report.EventMismatches = append(report.EventMismatches, rec.ID)
		}
	}
	return classify("scan transfers", rows.Err())
}

// scanTransferWith scans a transfer row followed by extra columns.
func scanTransferWith(row pgx.Row, extra ...any) (domain.TransferRecord, error) {
	var (
		rec    domain.TransferRecord
		amount string
		state  string
	)
	dest := append([]any{
		&rec.ID, &rec.RequestID, &rec.SourceAccountID, &rec.TargetAccountID,
		&rec.Currency, &amount, &state, &rec.RequestHash, &rec.CreatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.TransferRecord{}, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.TransferRecord{}, fmt.Errorf("transfer %s amount %q: %w", rec.ID, amount, err)
	}
	rec.Amount = a
	rec.State = domain.TransferState(state)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
