package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	c := NewManual(start)
	c.Advance(45 * time.Minute)
	require.Equal(t, start.Add(45*time.Minute), c.Now())
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), StartOfDay(c.Now()))
}
