// Package transfer executes fund transfers between two accounts of a ledger.
//
// One Execute call is one unit of work against the ledger: both account rows are
// locked in ascending id order, currencies are validated, the requestId is
// checked for an earlier record, and the outcome (COMPLETED or DECLINED) is
// committed together with any balance mutation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transfer-ledger/internal/domain"
	"transfer-ledger/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// Notifier receives every record created by a committed transfer. Replays are
// not notified.
type Notifier interface {
	Notify(ctx context.Context, rec domain.TransferRecord) error
}

type Engine struct {
	ledger      domain.Ledger
	ids         IDGenerator
	now         func() time.Time
	notifier    Notifier
	logger      *zap.Logger
	tracer      trace.Tracer
	maxAttempts int
}

type Option func(*Engine)

func WithIDGenerator(g IDGenerator) Option { return func(e *Engine) { e.ids = g } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithMaxAttempts bounds how often a unit of work is re-run after losing a
// requestId insert race.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func New(ledger domain.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:      ledger,
		ids:         UUIDv7{},
		now:         time.Now,
		logger:      zap.NewNop(),
		tracer:      telemetry.Tracer(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type result struct {
	record  domain.TransferRecord
	created bool
}

// Execute runs the transfer described by req. A DECLINED outcome is a normal
// result, not an error. Errors are either validation errors (see
// domain.IsValidationError) or wrap domain.ErrTransient.
func (e *Engine) Execute(ctx context.Context, req domain.TransferRequest) (domain.TransferOutcome, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "transfer.Execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("transfer.request_id", req.RequestID),
			attribute.String("transfer.source_account_id", req.SourceAccountID),
			attribute.String("transfer.target_account_id", req.TargetAccountID),
			attribute.String("transfer.currency", req.Currency),
		),
	)
	defer span.End()
	defer func() { telemetry.TransferDuration.Observe(time.Since(start).Seconds()) }()

	log := telemetry.WithTrace(ctx, e.logger).With(
		zap.String("request_id", req.RequestID),
		zap.String("source_account_id", req.SourceAccountID),
		zap.String("target_account_id", req.TargetAccountID),
	)

	res, err := e.execute(ctx, req)
	if err != nil {
		reason := errorReason(err)
		telemetry.TransferErrorsTotal.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		if domain.IsValidationError(err) {
			log.Info("transfer rejected", zap.String("reason", reason), zap.Error(err))
		} else {
			log.Warn("transfer failed", zap.String("reason", reason), zap.Error(err))
		}
		return domain.TransferOutcome{}, err
	}

	out := res.record.Outcome()
	span.SetAttributes(
		attribute.String("transfer.id", out.TransferID),
		attribute.String("transfer.state", string(out.State)),
		attribute.Bool("transfer.replay", !res.created),
	)

	if !res.created {
		telemetry.TransferReplaysTotal.WithLabelValues(string(out.State)).Inc()
		log.Info("transfer replayed", zap.String("transfer_id", out.TransferID), zap.String("state", string(out.State)))
		return out, nil
	}

	telemetry.TransfersTotal.WithLabelValues(string(out.State)).Inc()
	log.Info("transfer recorded", zap.String("transfer_id", out.TransferID), zap.String("state", string(out.State)))

	if e.notifier != nil {
		if nerr := e.notifier.Notify(ctx, res.record); nerr != nil {
			log.Warn("transfer notification failed", zap.String("transfer_id", out.TransferID), zap.Error(nerr))
		}
	}
	return out, nil
}

func (e *Engine) execute(ctx context.Context, req domain.TransferRequest) (result, error) {
	if err := req.Validate(); err != nil {
		return result{}, err
	}
	// Bounded by Validate; safe to render.
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("transfer.amount", req.Amount.String()))

	hash, err := domain.Fingerprint(req)
	if err != nil {
		return result{}, fmt.Errorf("fingerprint request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, req, hash)
		if !errors.Is(err, domain.ErrRequestIDConflict) {
			return res, err
		}
		// A concurrent request with the same key committed first. The next
		// attempt sees its record and takes the replay or duplicate path.
		if attempt >= e.maxAttempts {
			return result{}, domain.Transient(err)
		}
		telemetry.TransferConflictRetries.Inc()
	}
}

func (e *Engine) attempt(ctx context.Context, req domain.TransferRequest, hash string) (result, error) {
	var res result
	err := e.ledger.RunAtomically(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		source, target, err := lockPair(ctx, tx, req.SourceAccountID, req.TargetAccountID)
		if err != nil {
			return err
		}

		// Structural validity first; it does not depend on replay state.
		if source.Currency != req.Currency {
			return domain.ErrSourceAccountCurrencyMismatch
		}
		if target.Currency != req.Currency {
			return domain.ErrTargetAccountCurrencyMismatch
		}

		existing, found, err := tx.FindTransferByRequestID(ctx, req.RequestID)
		if err != nil {
			return err
		}
		if found {
			if !existing.Matches(req) {
				return domain.ErrDuplicateRequestID
			}
			res = result{record: existing}
			return nil
		}

		now := e.now().UTC()
		rec := domain.TransferRecord{
			ID:              e.ids.NewID(),
			RequestID:       req.RequestID,
			SourceAccountID: req.SourceAccountID,
			TargetAccountID: req.TargetAccountID,
			Currency:        req.Currency,
			Amount:          req.Amount,
			RequestHash:     hash,
			CreatedAt:       now,
		}

		if req.Amount.GreaterThan(source.Balance) {
			rec.State = domain.TransferDeclined
		} else {
			source.Balance = source.Balance.Sub(req.Amount)
			source.UpdatedAt = now
			target.Balance = target.Balance.Add(req.Amount)
			target.UpdatedAt = now

			if err := tx.SaveAccount(ctx, source); err != nil {
				return err
			}
			if err := tx.SaveAccount(ctx, target); err != nil {
				return err
			}
			rec.State = domain.TransferCompleted
		}

		if err := tx.CreateTransferRecord(ctx, rec); err != nil {
			return err
		}
		res = result{record: rec, created: true}
		return nil
	})
	if err != nil {
		return result{}, err
	}
	return res, nil
}

// lockPair locks both accounts in ascending id order regardless of which one is
// the source. A missing source is reported before a missing target.
func lockPair(ctx context.Context, tx domain.LedgerTx, sourceID, targetID string) (source, target domain.Account, err error) {
	order := [2]string{sourceID, targetID}
	if targetID < sourceID {
		order = [2]string{targetID, sourceID}
	}

	locked := make(map[string]domain.Account, 2)
	for _, id := range order {
		acc, found, err := tx.LockAccount(ctx, id)
		if err != nil {
			return domain.Account{}, domain.Account{}, err
		}
		if found {
			locked[id] = acc
		}
	}

	source, ok := locked[sourceID]
	if !ok {
		return domain.Account{}, domain.Account{}, domain.ErrSourceAccountNotFound
	}
	target, ok = locked[targetID]
	if !ok {
		return domain.Account{}, domain.Account{}, domain.ErrTargetAccountNotFound
	}
	return source, target, nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrSourceAccountNotFound):
		return "source_account_not_found"
	case errors.Is(err, domain.ErrTargetAccountNotFound):
		return "target_account_not_found"
	case errors.Is(err, domain.ErrSourceAccountCurrencyMismatch):
		return "source_currency_mismatch"
	case errors.Is(err, domain.ErrTargetAccountCurrencyMismatch):
		return "target_currency_mismatch"
	case errors.Is(err, domain.ErrDuplicateRequestID):
		return "duplicate_request_id"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}
