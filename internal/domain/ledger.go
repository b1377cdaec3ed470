package domain

import "context"

// Ledger is the durable store of accounts and transfer records.
type Ledger interface {
	// RunAtomically runs fn inside one transaction. The transaction commits only
	// when fn returns nil; every other exit path rolls back.
	RunAtomically(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// LedgerTx is the handle of one open transaction. It must not be used after
// the RunAtomically callback returns.
type LedgerTx interface {
	// LockAccount takes an exclusive lock on the account row for the rest of
	// the transaction and returns its current state. found is false when the
	// account does not exist.
	LockAccount(ctx context.Context, id string) (acc Account, found bool, err error)

	FindTransferByRequestID(ctx context.Context, requestID string) (rec TransferRecord, found bool, err error)

	SaveAccount(ctx context.Context, acc Account) error

	// CreateTransferRecord fails with ErrRequestIDConflict when another
	// transaction already owns rec.RequestID.
	CreateTransferRecord(ctx context.Context, rec TransferRecord) error
}
