package conflict

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"time"
)

// Strategy selects how a conflict is settled.
type Strategy string

const (
	StrategyLocal  Strategy = "local"  // keep the local payload, bump version
	StrategyRemote Strategy = "remote" // accept the remote payload, drop the pending local operation
	StrategyMerge  Strategy = "merge"  // field-by-field reconciliation
)

var (
	ErrAlreadyResolved = errors.New("conflict: already resolved")
	ErrInvalidStrategy = errors.New("conflict: invalid strategy")
)

// MergeFunc settles one differing field. The default prefers the side whose
// write carries the newer timestamp.
type MergeFunc func(field string, localValue, remoteValue any, localAt, remoteAt time.Time) any

// LastWriteWins is the default merge function.
func LastWriteWins(_ string, localValue, remoteValue any, localAt, remoteAt time.Time) any {
	if localAt.After(remoteAt) {
		return localValue
	}
	return remoteValue
}

// Resolution is the outcome of resolving a conflict: one winning data value
// plus the follow-up the caller must perform. DiscardLocal tells the sync
// coordinator to drop the pending local operation instead of re-submitting.
type Resolution struct {
	Conflict     *Conflict // resolved copy; the input record is untouched
	Strategy     Strategy
	Data         map[string]any
	Version      int64
	DiscardLocal bool
}

// Resolve settles the conflict with the chosen strategy. The input record is
// never mutated: a resolved copy is returned. Resolving an already-resolved
// conflict fails.
func Resolve(record *Conflict, strategy Strategy, merge MergeFunc) (*Resolution, error) {
	if record.Resolved {
		return nil, ErrAlreadyResolved
	}
	if merge == nil {
		merge = LastWriteWins
	}

	winning := maxVersion(record.Local.Version, record.Remote.Version) + 1

	resolution := &Resolution{Strategy: strategy, Version: winning}
	switch strategy {
	case StrategyLocal:
		resolution.Data = cloneData(record.Local.Data)
	case StrategyRemote:
		resolution.Data = cloneData(record.Remote.Data)
		resolution.Version = record.Remote.Version
		resolution.DiscardLocal = true
	case StrategyMerge:
		resolution.Data = mergeData(record, merge)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	resolved := *record
	resolved.Resolved = true
	resolution.Conflict = &resolved

	return resolution, nil
}

// mergeData reconciles field by field: fields equal on both sides are kept,
// fields present on one side only are carried over, and differing fields go
// through the merge function.
func mergeData(record *Conflict, merge MergeFunc) map[string]any {
	local, remote := record.Local.Data, record.Remote.Data
	out := make(map[string]any, len(local)+len(remote))

	for field, localValue := range local {
		remoteValue, inRemote := remote[field]
		switch {
		case !inRemote:
			out[field] = localValue
		case reflect.DeepEqual(localValue, remoteValue):
			out[field] = localValue
		default:
			out[field] = merge(field, localValue, remoteValue, record.Local.Timestamp, record.Remote.Timestamp)
		}
	}
	for field, remoteValue := range remote {
		if _, inLocal := local[field]; !inLocal {
			out[field] = remoteValue
		}
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	maps.Copy(out, data)
	return out
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
