package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// requestShape is the canonical payload hashed for a transfer record.
// Amount is carried as its normalized decimal string: no floats.
type requestShape struct {
	RequestID       string `json:"request_id"`
	SourceAccountID string `json:"source_account_id"`
	TargetAccountID string `json:"target_account_id"`
	Currency        string `json:"currency"`
	Amount          string `json:"amount"`
}

// Fingerprint returns the hex SHA-256 of the RFC 8785 canonical form of the
// request payload. Equal payloads (including 200 vs 200.00) hash equally.
func Fingerprint(req TransferRequest) (string, error) {
	canon, err := CanonicalJSON(requestShape{
		RequestID:       req.RequestID,
		SourceAccountID: req.SourceAccountID,
		TargetAccountID: req.TargetAccountID,
		Currency:        req.Currency,
		Amount:          req.Amount.String(),
	})
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}

// RecordFingerprint recomputes the fingerprint from a stored record.
func RecordFingerprint(t TransferRecord) (string, error) {
	return Fingerprint(TransferRequest{
		RequestID:       t.RequestID,
		SourceAccountID: t.SourceAccountID,
		TargetAccountID: t.TargetAccountID,
		Currency:        t.Currency,
		Amount:          t.Amount,
	})
}

// CanonicalJSON marshals v and transforms it to RFC 8785 (JCS).
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// TransferEvent is the payload emitted for every created transfer record.
type TransferEvent struct {
	TransferID      string        `json:"transfer_id"`
	RequestID       string        `json:"request_id"`
	SourceAccountID string        `json:"source_account_id"`
	TargetAccountID string        `json:"target_account_id"`
	Currency        string        `json:"currency"`
	Amount          string        `json:"amount"`
	State           TransferState `json:"state"`
	CreatedAt       string        `json:"created_at"`
}

func NewTransferEvent(t TransferRecord) TransferEvent {
	return TransferEvent{
		TransferID:      t.ID,
		RequestID:       t.RequestID,
		SourceAccountID: t.SourceAccountID,
		TargetAccountID: t.TargetAccountID,
		Currency:        t.Currency,
		Amount:          t.Amount.String(),
		State:           t.State,
		CreatedAt:       t.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	}
}

// EventType maps a record state onto the event_log / subject vocabulary.
func EventType(state TransferState) string {
	if state == TransferDeclined {
		return "TRANSFER_DECLINED"
	}
	return "TRANSFER_COMPLETED"
}
