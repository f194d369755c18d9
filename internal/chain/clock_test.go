package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalClockStartsAtHeight(t *testing.T) {
	clock := NewLocalClock(5000000, time.Hour)
	defer clock.Close()

	height, err := clock.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5000000), height)
}

func TestLocalClockAdvance(t *testing.T) {
	clock := NewLocalClock(100, time.Hour)
	defer clock.Close()

	ctx := context.Background()

	clock.Advance(144)
	height, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(244), height)

	clock.Advance(1)
	height, err = clock.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(245), height)
}

func TestLocalClockTicksWithWallTime(t *testing.T) {
	clock := NewLocalClock(10, 5*time.Millisecond)
	defer clock.Close()

	ctx := context.Background()

	before, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	after, err := clock.CurrentHeight(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, after, before+3)
}

func TestLocalClockDefaultInterval(t *testing.T) {
	clock := NewLocalClock(1, 0)
	defer clock.Close()

	assert.Equal(t, DefaultBlockInterval, clock.interval)
}
