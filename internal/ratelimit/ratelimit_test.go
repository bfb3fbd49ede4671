package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(60, 3, 10)
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"), "fourth request within the same instant must exceed the burst")
}

func TestDistinctCallersHaveIndependentBuckets(t *testing.T) {
	l := New(60, 1, 10)
	require.True(t, l.Allow("caller-a"))
	require.True(t, l.Allow("caller-b"), "a fresh caller must not be throttled by caller-a's bucket")
	require.False(t, l.Allow("caller-a"))
}

func TestEvictsOldestCallerPastCapacity(t *testing.T) {
	l := New(60, 1, 2)
	l.Allow("caller-a")
	l.Allow("caller-b")
	l.Allow("caller-c") // evicts caller-a's bucket (LRU)

	// caller-a gets a fresh bucket since its old one was evicted.
	require.True(t, l.Allow("caller-a"))
}

func TestDefaultSetSeparatesCallAndSecretsBuckets(t *testing.T) {
	s := NewDefaultSet(100)
	require.NotNil(t, s.CallAndStorage)
	require.NotNil(t, s.Secrets)
}
