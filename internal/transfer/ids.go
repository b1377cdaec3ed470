package transfer

import "github.com/google/uuid"

type IDGenerator interface {
	NewID() string
}

type IDGeneratorFunc func() string

func (f IDGeneratorFunc) NewID() string { return f() }

// UUIDv7 generates time-ordered transfer ids.
type UUIDv7 struct{}

func (UUIDv7) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
