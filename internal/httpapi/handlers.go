package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"transfer-ledger/internal/domain"
	"transfer-ledger/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	stateFailed = "FAILED"

	defaultRequestTimeout   = 5 * time.Second
	defaultTransientRetries = 2
	defaultRetryInitial     = 25 * time.Millisecond
)

// Executor runs a transfer. *transfer.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, req domain.TransferRequest) (domain.TransferOutcome, error)
}

// Reader serves the read-only endpoints. Both ledger stores satisfy it.
type Reader interface {
	Account(ctx context.Context, id string) (domain.Account, error)
	Transfer(ctx context.Context, transferID string) (domain.TransferRecord, error)
	TransferByRequestID(ctx context.Context, requestID string) (domain.TransferRecord, error)
	Ping(ctx context.Context) error
}

type Handlers struct {
	engine Executor
	reader Reader
	logger *zap.Logger

	requestTimeout   time.Duration
	transientRetries int
	retryInitial     time.Duration
}

type Option func(*Handlers)

func WithLogger(l *zap.Logger) Option { return func(h *Handlers) { h.logger = l } }

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handlers) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// WithTransientRetries sets how many times a transient failure is retried with
// the same request before the client gets a 503. Zero disables retries.
func WithTransientRetries(n int, initial time.Duration) Option {
	return func(h *Handlers) {
		if n >= 0 {
			h.transientRetries = n
		}
		if initial > 0 {
			h.retryInitial = initial
		}
	}
}

func NewHandlers(engine Executor, reader Reader, opts ...Option) *Handlers {
	h := &Handlers{
		engine:           engine,
		reader:           reader,
		logger:           zap.NewNop(),
		requestTimeout:   defaultRequestTimeout,
		transientRetries: defaultTransientRetries,
		retryInitial:     defaultRetryInitial,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.reader.Ping(ctx); err != nil {
		telemetry.WithTrace(ctx, h.logger).Warn("health check failed", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "unavailable")
		return
	}
	c.String(http.StatusOK, "ok")
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

func writeErr(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

func writeFailure(c *gin.Context, code int, reason string) {
	c.JSON(code, domain.TransferResponse{State: stateFailed, Reason: reason})
}

// httpStatusForErr maps engine and store errors onto HTTP status codes.
func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Every validation failure is a 400 with a reason.
	case domain.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// publicErrMessage is the client-facing reason. It never leaks internals.
func publicErrMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrSourceAccountNotFound):
		return "Source account not found"
	case errors.Is(err, domain.ErrTargetAccountNotFound):
		return "Target account not found"
	case errors.Is(err, domain.ErrSourceAccountCurrencyMismatch):
		return "Source account currency mismatch"
	case errors.Is(err, domain.ErrTargetAccountCurrencyMismatch):
		return "Target account currency mismatch"
	case errors.Is(err, domain.ErrDuplicateRequestID):
		return "Duplicate request ID"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "Invalid request"
	case errors.Is(err, domain.ErrNotFound):
		return "Not found"
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out"
	case errors.Is(err, context.Canceled):
		return "Request canceled"
	case errors.Is(err, domain.ErrTransient):
		return "Temporarily unavailable"
	default:
		return "Internal error"
	}
}

// PostTransfer handles POST /v1/transfers (and the legacy POST /transfer).
func (h *Handlers) PostTransfer(c *gin.Context) {
	var req domain.TransferRequest
	if err := decodeJSON(c.Request, &req); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		telemetry.WithTrace(c.Request.Context(), h.logger).Info("transfer body rejected", zap.Error(err))
		writeFailure(c, http.StatusBadRequest, publicErrMessage(domain.ErrInvalidRequest))
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.requestTimeout)
	defer cancel()

	out, err := h.execute(ctx, req)
	if err != nil {
		code := httpStatusForErr(err)
		if code >= http.StatusInternalServerError {
			telemetry.WithTrace(ctx, h.logger).Error("transfer failed",
				zap.String("request_id", req.RequestID),
				zap.Int("status", code),
				zap.Error(err),
			)
		}
		writeFailure(c, code, publicErrMessage(err))
		return
	}

	c.JSON(http.StatusOK, domain.TransferResponse{TransferID: out.TransferID, State: string(out.State)})
}

// execute retries transient failures with the identical request. The engine
// persists nothing on a transient failure, so a retry applies at most once.
func (h *Handlers) execute(ctx context.Context, req domain.TransferRequest) (domain.TransferOutcome, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.retryInitial
	eb.MaxInterval = 20 * h.retryInitial
	eb.MaxElapsedTime = 0

	var (
		out     domain.TransferOutcome
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		out, err = h.engine.Execute(ctx, req)
		if err != nil && !errors.Is(err, domain.ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		telemetry.WithTrace(ctx, h.logger).Warn("retrying transient transfer failure",
			zap.String("request_id", req.RequestID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(h.transientRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return domain.TransferOutcome{}, err
	}
	return out, nil
}

// GET /v1/transfers/:transfer_id
func (h *Handlers) GetTransfer(c *gin.Context) {
	h.readTransfer(c, func(ctx context.Context) (domain.TransferRecord, error) {
		return h.reader.Transfer(ctx, c.Param("transfer_id"))
	})
}

// GET /v1/transfers/by-request/:request_id
func (h *Handlers) GetTransferByRequest(c *gin.Context) {
	h.readTransfer(c, func(ctx context.Context) (domain.TransferRecord, error) {
		return h.reader.TransferByRequestID(ctx, c.Param("request_id"))
	})
}

func (h *Handlers) readTransfer(c *gin.Context, read func(context.Context) (domain.TransferRecord, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.requestTimeout)
	defer cancel()

	rec, err := read(ctx)
	if err != nil {
		h.readFailed(c, ctx, err)
		return
	}
	c.JSON(http.StatusOK, domain.NewTransferRecordResponse(rec))
}

// GET /v1/accounts/:account_id/balance
func (h *Handlers) GetBalance(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.requestTimeout)
	defer cancel()

	acc, err := h.reader.Account(ctx, c.Param("account_id"))
	if err != nil {
		h.readFailed(c, ctx, err)
		return
	}
	c.JSON(http.StatusOK, domain.BalanceResponse{
		AccountID: acc.ID,
		Currency:  acc.Currency,
		Balance:   acc.Balance,
		UpdatedAt: acc.UpdatedAt,
	})
}

func (h *Handlers) readFailed(c *gin.Context, ctx context.Context, err error) {
	code := httpStatusForErr(err)
	if code >= http.StatusInternalServerError {
		telemetry.WithTrace(ctx, h.logger).Error("read failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	writeErr(c, code, publicErrMessage(err))
}
