package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualNeverGoesBackwards(t *testing.T) {
	m := NewManual(10)
	require.Equal(t, uint64(10), m.Now())
	require.Equal(t, uint64(12), m.Advance(2))
	m.Set(5)
	require.Equal(t, uint64(12), m.Now())
	m.Set(40)
	require.Equal(t, uint64(40), m.Now())
}

func TestTickerAdvances(t *testing.T) {
	tk := NewTicker(time.Millisecond)
	defer tk.Stop()

	start := tk.Now()
	require.Eventually(t, func() bool { return tk.Now() > start+2 }, time.Second, time.Millisecond)

	prev := tk.Now()
	for i := 0; i < 100; i++ {
		cur := tk.Now()
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestTickerStopIsIdempotent(t *testing.T) {
	tk := NewTicker(0)
	require.Equal(t, 100*time.Millisecond, tk.Interval())
	tk.Stop()
	tk.Stop()
	frozen := tk.Now()
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, frozen, tk.Now())
}
