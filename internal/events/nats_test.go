package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"transfer-ledger/internal/domain"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func sampleRecord(state domain.TransferState) domain.TransferRecord {
	return domain.TransferRecord{
		ID:              "0191d7a4-transfer",
		RequestID:       "req-1",
		SourceAccountID: "acc-1",
		TargetAccountID: "acc-2",
		Currency:        "GBP",
		Amount:          decimal.RequireFromString("200.00"),
		State:           state,
		CreatedAt:       time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, SubjectCompleted, Subject(domain.TransferCompleted))
	assert.Equal(t, SubjectDeclined, Subject(domain.TransferDeclined))
}

func TestNotifyPublishesCanonicalEvent(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, zaptest.NewLogger(t))

	require.NoError(t, p.Notify(context.Background(), sampleRecord(domain.TransferDeclined)))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, SubjectDeclined, msg.Subject)
	assert.Equal(t, "0191d7a4-transfer", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "TRANSFER_DECLINED", msg.Header.Get(headerEventType))
	assert.Equal(t,
		`{"amount":"200","created_at":"2026-10-19T08:00:00.000000Z","currency":"GBP","request_id":"req-1","source_account_id":"acc-1","state":"DECLINED","target_account_id":"acc-2","transfer_id":"0191d7a4-transfer"}`,
		string(msg.Data))
}

func TestNotifyReportsPublishFailure(t *testing.T) {
	boom := errors.New("connection closed")
	p := NewPublisher(&fakeConn{err: boom}, nil)

	err := p.Notify(context.Background(), sampleRecord(domain.TransferCompleted))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), SubjectCompleted)
}

func TestCloseWithoutConnection(t *testing.T) {
	p := NewPublisher(&fakeConn{}, nil)
	assert.NotPanics(t, p.Close)
}
