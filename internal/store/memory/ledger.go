// Package memory is an in-process ledger store. Account locks block waiters
// until the holding transaction ends, writes become visible only on commit, and
// request ids are unique, matching the guarantees of the Postgres store.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"transfer-ledger/internal/domain"
)

var (
	ErrLockTimeout  = errors.New("lock wait timeout")
	ErrTxClosed     = errors.New("transaction already closed")
	ErrNotLocked    = errors.New("account not locked by transaction")
	ErrNegativeSave = errors.New("account balance would be negative")
)

type Ledger struct {
	mu          sync.Mutex
	accounts    map[string]domain.Account
	transfers   map[string]domain.TransferRecord
	byRequest   map[string]string
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

type Option func(*Ledger)

// WithLockTimeout bounds how long LockAccount waits. Zero waits until ctx ends.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.lockTimeout = d }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:  make(map[string]domain.Account),
		transfers: make(map[string]domain.TransferRecord),
		byRequest: make(map[string]string),
		locks:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureAccount inserts acc unless an account with the same id exists.
func (l *Ledger) EnsureAccount(_ context.Context, acc domain.Account) error {
	if strings.TrimSpace(acc.ID) == "" || !domain.ValidCurrency(acc.Currency) || acc.Balance.IsNegative() {
		return domain.ErrInvalidRequest
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[acc.ID]; ok {
		return nil
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = acc.CreatedAt
	}
	l.accounts[acc.ID] = acc
	return nil
}

func (l *Ledger) Account(_ context.Context, id string) (domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return acc, nil
}

func (l *Ledger) Transfer(_ context.Context, transferID string) (domain.TransferRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.transfers[transferID]
	if !ok {
		return domain.TransferRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (l *Ledger) TransferByRequestID(_ context.Context, requestID string) (domain.TransferRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byRequest[requestID]
	if !ok {
		return domain.TransferRecord{}, domain.ErrNotFound
	}
	return l.transfers[id], nil
}

// Transfers returns every committed record ordered by creation time.
func (l *Ledger) Transfers(_ context.Context) ([]domain.TransferRecord, error) {
	l.mu.Lock()
	out := make([]domain.TransferRecord, 0, len(l.transfers))
	for _, rec := range l.transfers {
		out = append(out, rec)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (l *Ledger) RunAtomically(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.Transient(err)
	}

	tx := &ledgerTx{
		ledger:   l,
		held:     make(map[string]chan struct{}),
		accounts: make(map[string]domain.Account),
		dirty:    make(map[string]bool),
	}
	// Runs on every exit path, panics included; uncommitted writes are dropped.
	defer tx.close()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (l *Ledger) lockFor(id string) chan struct{} {
	lock, ok := l.locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		l.locks[id] = lock
	}
	return lock
}

type ledgerTx struct {
	ledger   *Ledger
	held     map[string]chan struct{}
	accounts map[string]domain.Account
	dirty    map[string]bool
	records  []domain.TransferRecord
	closed   bool
}

func (tx *ledgerTx) LockAccount(ctx context.Context, id string) (domain.Account, bool, error) {
	if tx.closed {
		return domain.Account{}, false, ErrTxClosed
	}
	if acc, ok := tx.accounts[id]; ok {
		return acc, true, nil
	}

	l := tx.ledger
	l.mu.Lock()
	_, exists := l.accounts[id]
	var lock chan struct{}
	if exists {
		lock = l.lockFor(id)
	}
	l.mu.Unlock()
	if !exists {
		return domain.Account{}, false, nil
	}

	if err := tx.acquire(ctx, id, lock); err != nil {
		return domain.Account{}, false, err
	}

	// Read after acquiring so the view includes the previous holder's commit.
	l.mu.Lock()
	acc := l.accounts[id]
	l.mu.Unlock()

	tx.accounts[id] = acc
	return acc, true, nil
}

func (tx *ledgerTx) acquire(ctx context.Context, id string, lock chan struct{}) error {
	var timeout <-chan time.Time
	if d := tx.ledger.lockTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lock <- struct{}{}:
		tx.held[id] = lock
		return nil
	case <-ctx.Done():
		return domain.Transient(fmt.Errorf("lock account %s: %w", id, ctx.Err()))
	case <-timeout:
		return domain.Transient(fmt.Errorf("lock account %s: %w", id, ErrLockTimeout))
	}
}

func (tx *ledgerTx) FindTransferByRequestID(_ context.Context, requestID string) (domain.TransferRecord, bool, error) {
	if tx.closed {
		return domain.TransferRecord{}, false, ErrTxClosed
	}
	for _, rec := range tx.records {
		if rec.RequestID == requestID {
			return rec, true, nil
		}
	}

	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byRequest[requestID]
	if !ok {
		return domain.TransferRecord{}, false, nil
	}
	return l.transfers[id], true, nil
}

func (tx *ledgerTx) SaveAccount(_ context.Context, acc domain.Account) error {
	if tx.closed {
		return ErrTxClosed
	}
	if _, ok := tx.held[acc.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotLocked, acc.ID)
	}
	if acc.Balance.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeSave, acc.ID)
	}
	tx.accounts[acc.ID] = acc
	tx.dirty[acc.ID] = true
	return nil
}

func (tx *ledgerTx) CreateTransferRecord(_ context.Context, rec domain.TransferRecord) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !rec.State.Terminal() {
		return fmt.Errorf("create transfer record: invalid state %q", rec.State)
	}
	for _, pending := range tx.records {
		if pending.RequestID == rec.RequestID {
			return domain.ErrRequestIDConflict
		}
	}

	l := tx.ledger
	l.mu.Lock()
	_, taken := l.byRequest[rec.RequestID]
	l.mu.Unlock()
	if taken {
		return domain.ErrRequestIDConflict
	}

	tx.records = append(tx.records, rec)
	return nil
}

func (tx *ledgerTx) commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	// Validate everything before applying anything.
	for _, rec := range tx.records {
		if _, taken := l.byRequest[rec.RequestID]; taken {
			return domain.ErrRequestIDConflict
		}
		if _, taken := l.transfers[rec.ID]; taken {
			return domain.Transient(fmt.Errorf("commit: duplicate transfer id %s", rec.ID))
		}
	}

	for id := range tx.dirty {
		l.accounts[id] = tx.accounts[id]
	}
	for _, rec := range tx.records {
		l.transfers[rec.ID] = rec
		l.byRequest[rec.RequestID] = rec.ID
	}
	return nil
}

func (tx *ledgerTx) close() {
	if tx.closed {
		return
	}
	tx.closed = true
	for id, lock := range tx.held {
		<-lock
		delete(tx.held, id)
	}
}

func (l *Ledger) Ping(context.Context) error { return nil }
