package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versioned(version int64, device string, at time.Time, data map[string]any) VersionedData {
	return VersionedData{Data: data, Timestamp: at, DeviceID: device, Version: version}
}

func TestClassifyVersionMismatch(t *testing.T) {
	now := time.Now().UTC()
	local := versioned(2, "phone", now, nil)
	remote := versioned(3, "tablet", now, nil)

	assert.Equal(t, TypeVersion, Classify(local, remote))
}

func TestClassifyConcurrentWithinWindow(t *testing.T) {
	now := time.Now().UTC()
	local := versioned(4, "phone", now, nil)
	remote := versioned(4, "tablet", now.Add(1500*time.Millisecond), nil)

	assert.Equal(t, TypeConcurrent, Classify(local, remote))
}

func TestClassifyTimestampOutsideWindow(t *testing.T) {
	now := time.Now().UTC()
	local := versioned(4, "phone", now, nil)
	remote := versioned(4, "tablet", now.Add(-10*time.Second), nil)

	assert.Equal(t, TypeTimestamp, Classify(local, remote))
}

func TestClassifySameDeviceIsNotConcurrent(t *testing.T) {
	now := time.Now().UTC()
	local := versioned(4, "phone", now, nil)
	remote := versioned(4, "phone", now.Add(time.Second), nil)

	assert.Equal(t, TypeTimestamp, Classify(local, remote))
}

func TestResolveRemoteWinsVerbatim(t *testing.T) {
	now := time.Now().UTC()
	record, err := New("rides", "ride-1",
		versioned(2, "phone", now, map[string]any{"status": "en_route", "note": "local"}),
		versioned(3, "server", now, map[string]any{"status": "arrived"}),
	)
	require.NoError(t, err)
	assert.Equal(t, TypeVersion, record.Type)

	resolution, err := Resolve(record, StrategyRemote, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "arrived"}, resolution.Data)
	assert.Equal(t, int64(3), resolution.Version)
	assert.True(t, resolution.DiscardLocal)
	assert.True(t, resolution.Conflict.Resolved)
	assert.False(t, record.Resolved, "input record must stay untouched")
}

func TestResolveLocalBumpsVersion(t *testing.T) {
	now := time.Now().UTC()
	record, err := New("rides", "ride-1",
		versioned(2, "phone", now, map[string]any{"status": "en_route"}),
		versioned(3, "server", now, map[string]any{"status": "arrived"}),
	)
	require.NoError(t, err)

	resolution, err := Resolve(record, StrategyLocal, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "en_route"}, resolution.Data)
	assert.Equal(t, int64(4), resolution.Version)
	assert.False(t, resolution.DiscardLocal)
}

func TestResolveMergePrefersNewerFieldValue(t *testing.T) {
	now := time.Now().UTC()
	record, err := New("rides", "ride-1",
		versioned(4, "phone", now.Add(time.Second), map[string]any{"status": "arrived", "fare": 12.5}),
		versioned(4, "tablet", now, map[string]any{"status": "en_route", "fare": 12.5}),
	)
	require.NoError(t, err)

	resolution, err := Resolve(record, StrategyMerge, nil)
	require.NoError(t, err)

	// only status differs; local carries the newer timestamp
	assert.Equal(t, "arrived", resolution.Data["status"])
	assert.Equal(t, 12.5, resolution.Data["fare"])
	assert.Equal(t, int64(5), resolution.Version)
}

func TestResolveMergeCarriesOneSidedFields(t *testing.T) {
	now := time.Now().UTC()
	record, err := New("rides", "ride-1",
		versioned(1, "phone", now, map[string]any{"note": "pickup at gate"}),
		versioned(1, "server", now.Add(time.Minute), map[string]any{"driver_id": "driver-7"}),
	)
	require.NoError(t, err)

	resolution, err := Resolve(record, StrategyMerge, nil)
	require.NoError(t, err)

	assert.Equal(t, "pickup at gate", resolution.Data["note"])
	assert.Equal(t, "driver-7", resolution.Data["driver_id"])
}

func TestResolveCustomMergeFunc(t *testing.T) {
	now := time.Now().UTC()
	record, err := New("rides", "ride-1",
		versioned(1, "phone", now, map[string]any{"rating": 4.0}),
		versioned(1, "server", now, map[string]any{"rating": 5.0}),
	)
	require.NoError(t, err)

	highest := func(_ string, localValue, remoteValue any, _, _ time.Time) any {
		if localValue.(float64) > remoteValue.(float64) {
			return localValue
		}
		return remoteValue
	}

	resolution, err := Resolve(record, StrategyMerge, highest)
	require.NoError(t, err)
	assert.Equal(t, 5.0, resolution.Data["rating"])
}

func TestResolveTwiceFails(t *testing.T) {
	now := time.Now().UTC()
	record, err := New("rides", "ride-1",
		versioned(1, "phone", now, map[string]any{"a": 1}),
		versioned(2, "server", now, map[string]any{"a": 2}),
	)
	require.NoError(t, err)

	resolution, err := Resolve(record, StrategyLocal, nil)
	require.NoError(t, err)

	_, err = Resolve(resolution.Conflict, StrategyRemote, nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveUnknownStrategy(t *testing.T) {
	now := time.Now().UTC()
	record, err := New("rides", "ride-1",
		versioned(1, "phone", now, nil),
		versioned(2, "server", now, nil),
	)
	require.NoError(t, err)

	_, err = Resolve(record, Strategy("coinflip"), nil)
	assert.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestNewRequiresEntity(t *testing.T) {
	_, err := New("", "ride-1", VersionedData{}, VersionedData{})
	assert.ErrorIs(t, err, ErrEmptyEntity)
}
