// Package events publishes committed transfer records to NATS.
package events

import (
	"context"
	"fmt"
	"time"

	"transfer-ledger/internal/domain"
	"transfer-ledger/internal/telemetry"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	SubjectCompleted = "ledger.transfers.completed"
	SubjectDeclined  = "ledger.transfers.declined"

	headerEventType = "Ledger-Event-Type"
)

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher implements transfer.Notifier. Publishing is best effort: the
// record is already committed when Notify is called.
type Publisher struct {
	pub    msgPublisher
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials url and returns a publisher owning the connection.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("transfer-ledger"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := NewPublisher(conn, logger)
	p.conn = conn
	return p, nil
}

func NewPublisher(pub msgPublisher, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{pub: pub, logger: logger}
}

// Subject returns the subject a record with the given state is published on.
func Subject(state domain.TransferState) string {
	if state == domain.TransferDeclined {
		return SubjectDeclined
	}
	return SubjectCompleted
}

// Message builds the NATS message for rec. The body is the RFC 8785 canonical
// JSON of the event, and Nats-Msg-Id carries the transfer id so JetStream
// streams can de-duplicate.
func Message(ctx context.Context, rec domain.TransferRecord) (*nats.Msg, error) {
	data, err := domain.CanonicalJSON(domain.NewTransferEvent(rec))
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", rec.ID, err)
	}
	msg := nats.NewMsg(Subject(rec.State))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, rec.ID)
	msg.Header.Set(headerEventType, domain.EventType(rec.State))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, nil
}

func (p *Publisher) Notify(ctx context.Context, rec domain.TransferRecord) error {
	msg, err := Message(ctx, rec)
	if err != nil {
		telemetry.EventsPublishedTotal.WithLabelValues(Subject(rec.State), "error").Inc()
		return err
	}
	if err := p.pub.PublishMsg(msg); err != nil {
		telemetry.EventsPublishedTotal.WithLabelValues(msg.Subject, "error").Inc()
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	telemetry.EventsPublishedTotal.WithLabelValues(msg.Subject, "ok").Inc()
	telemetry.WithTrace(ctx, p.logger).Debug("transfer event published",
		zap.String("subject", msg.Subject),
		zap.String("transfer_id", rec.ID),
	)
	return nil
}

// Close drains and closes the connection when the publisher owns one.
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.logger.Warn("nats drain failed", zap.Error(err))
		}
		p.conn.Close()
	}
}
