package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"transfer-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// SQLSTATE codes the store treats specially.
const (
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeQueryCanceled        = "57014"

	requestIDConstraint = "transfers_request_id_key"
)

type Store struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout sets the per-transaction lock_timeout. Zero keeps the server default.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(db *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.Ping(ctx))
}

// =========================
// Unit of work
// =========================

// RunAtomically runs fn inside one READ COMMITTED transaction. The transaction
// commits only when fn returns nil; any other exit rolls it back.
func (s *Store) RunAtomically(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return classify("begin", err)
	}
	// No-op after a successful commit. Also runs while a panic unwinds.
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		_, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", s.lockTimeout.Milliseconds()))
		if err != nil {
			return classify("set lock_timeout", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if cerr := classify("commit", err); errors.Is(cerr, domain.ErrRequestIDConflict) {
			return cerr
		}
		return domain.Transient(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (domain.Account, bool, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT account_id, currency, balance::text, created_at, updated_at
		   FROM accounts
		  WHERE account_id=$1
		    FOR UPDATE`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, classify("lock account", err)
	}
	return acc, true, nil
}

func (t *pgTx) FindTransferByRequestID(ctx context.Context, requestID string) (domain.TransferRecord, bool, error) {
	rec, err := scanTransfer(t.tx.QueryRow(ctx, selectTransfer+` WHERE request_id=$1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransferRecord{}, false, nil
		}
		return domain.TransferRecord{}, false, classify("find transfer", err)
	}
	return rec, true, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, acc domain.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts
		    SET balance=$2::numeric, updated_at=$3
		  WHERE account_id=$1`,
		acc.ID, acc.Balance.String(), acc.UpdatedAt,
	)
	if err != nil {
		return classify("save account", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("save account %s: %w", acc.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateTransferRecord(ctx context.Context, rec domain.TransferRecord) error {
	if !rec.State.Terminal() {
		return fmt.Errorf("create transfer record: invalid state %q", rec.State)
	}
	// timestamptz keeps microseconds; the event payload must agree with what is stored.
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	_, err := t.tx.Exec(ctx,
		`INSERT INTO transfers(
			transfer_id, request_id, source_account_id, target_account_id,
			currency, amount, state, request_hash, created_at
		) VALUES($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9)`,
		rec.ID, rec.RequestID, rec.SourceAccountID, rec.TargetAccountID,
		rec.Currency, rec.Amount.String(), string(rec.State), rec.RequestHash, rec.CreatedAt,
	)
	if err != nil {
		return classify("insert transfer", err)
	}

	if err := insertEvent(ctx, t.tx, domain.EventType(rec.State), "TRANSFER", rec.ID, rec.RequestID, domain.NewTransferEvent(rec)); err != nil {
		return classify("insert event", err)
	}
	return nil
}

// =========================
// RFC 8785 (JCS) event payloads
// =========================

type JSONBytes = json.RawMessage

// jcsPayload returns both representations stored in event_log:
// payload_json (cast to jsonb in SQL) and payload_canonical (JCS string).
func jcsPayload(v any) (payloadJSON JSONBytes, payloadCanonical string, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	canon, err := domain.CanonicalJSON(v)
	if err != nil {
		return nil, "", err
	}
	return JSONBytes(raw), string(canon), nil
}

// insertEvent is the single entry point for event_log inserts.
func insertEvent(
	ctx context.Context,
	tx pgx.Tx,
	eventType, aggregateType, aggregateID, correlationID string,
	payload any,
) error {
	if strings.TrimSpace(eventType) == "" ||
		strings.TrimSpace(aggregateType) == "" ||
		strings.TrimSpace(aggregateID) == "" ||
		strings.TrimSpace(correlationID) == "" {
		return domain.ErrInvalidRequest
	}

	payloadJSON, payloadCanonical, err := jcsPayload(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO event_log(
			event_id, event_type, aggregate_type, aggregate_id, correlation_id, payload_json, payload_canonical
		) VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)`,
		uuid.New(), eventType, aggregateType, aggregateID, correlationID, string(payloadJSON), payloadCanonical,
	)
	return err
}

// =========================
// Reads and provisioning
// =========================

// EnsureAccount inserts acc unless an account with the same id exists.
func (s *Store) EnsureAccount(ctx context.Context, acc domain.Account) error {
	if strings.TrimSpace(acc.ID) == "" || !domain.ValidCurrency(acc.Currency) || acc.Balance.IsNegative() {
		return domain.ErrInvalidRequest
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts(account_id, currency, balance)
		 VALUES($1,$2,$3::numeric)
		 ON CONFLICT (account_id) DO NOTHING`,
		acc.ID, acc.Currency, acc.Balance.String(),
	)
	return classify("ensure account", err)
}

func (s *Store) Account(ctx context.Context, id string) (domain.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT account_id, currency, balance::text, created_at, updated_at
		   FROM accounts
		  WHERE account_id=$1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, classify("read account", err)
	}
	return acc, nil
}

func (s *Store) Transfer(ctx context.Context, transferID string) (domain.TransferRecord, error) {
	return s.readTransfer(ctx, selectTransfer+` WHERE transfer_id=$1`, transferID)
}

func (s *Store) TransferByRequestID(ctx context.Context, requestID string) (domain.TransferRecord, error) {
	return s.readTransfer(ctx, selectTransfer+` WHERE request_id=$1`, requestID)
}

func (s *Store) readTransfer(ctx context.Context, query, arg string) (domain.TransferRecord, error) {
	rec, err := scanTransfer(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransferRecord{}, domain.ErrNotFound
		}
		return domain.TransferRecord{}, classify("read transfer", err)
	}
	return rec, nil
}

const selectTransfer = `SELECT transfer_id, request_id, source_account_id, target_account_id,
       currency, amount::text, state, request_hash, created_at
  FROM transfers`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		acc     domain.Account
		balance string
	)
	if err := row.Scan(&acc.ID, &acc.Currency, &balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return domain.Account{}, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account %s balance %q: %w", acc.ID, balance, err)
	}
	acc.Balance = b
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func scanTransfer(row pgx.Row) (domain.TransferRecord, error) {
	return scanTransferWith(row)
}

// =========================
// Error classification
// =========================

// classify maps driver errors onto the domain error families: lock waits,
// serialization failures, deadlocks, cancellations and dropped connections are
// transient; a requestId unique violation is a request id conflict.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrRequestIDConflict) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			if pgErr.ConstraintName == requestIDConstraint {
				return fmt.Errorf("%s: %w: %w", op, domain.ErrRequestIDConflict, err)
			}
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected, codeQueryCanceled:
			return domain.Transient(fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return domain.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
