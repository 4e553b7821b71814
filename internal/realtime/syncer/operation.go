package syncer

import (
	"errors"
	"strings"
	"time"
)

// OpType is the mutation kind of a sync operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

var ErrInvalidOpType = errors.New("syncer: invalid operation type")

// ParseOpType normalizes (lowercases+trims) and validates an operation type.
func ParseOpType(in string) (OpType, error) {
	opType := OpType(strings.ToLower(strings.TrimSpace(in)))
	if opType.Valid() {
		return opType, nil
	}
	return "", ErrInvalidOpType
}

// Valid reports whether opType is one of the allowed constants.
func (opType OpType) Valid() bool {
	switch opType {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// String returns the string representation of the OpType.
func (opType OpType) String() string {
	return string(opType)
}

// Operation is one optimistic mutation owned by the coordinator from
// creation until confirm or terminal revert.
type Operation struct {
	ID         string
	Type       OpType
	Entity     string
	EntityID   string
	Data       map[string]any
	Version    int64
	Timestamp  time.Time
	Optimistic bool
	Retries    int
}
