package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLimiterSpacesRepeats(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLogLimiter(time.Minute)
	l.now = func() time.Time { return now }

	ok, suppressed := l.Allow("read_failed")
	require.True(t, ok)
	assert.Zero(t, suppressed)

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		ok, _ = l.Allow("read_failed")
		assert.False(t, ok)
	}

	now = now.Add(time.Minute)
	ok, suppressed = l.Allow("read_failed")
	require.True(t, ok)
	assert.Equal(t, int64(3), suppressed)

	// The counter resets once reported.
	now = now.Add(time.Minute)
	_, suppressed = l.Allow("read_failed")
	assert.Zero(t, suppressed)
}

func TestLogLimiterKindsAreIndependent(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLogLimiter(time.Minute)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("read_failed")
	require.True(t, ok)

	ok, _ = l.Allow("connect_failed")
	assert.True(t, ok)
}
