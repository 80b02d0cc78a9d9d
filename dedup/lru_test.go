package dedup_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/ratchetclient/dedup"
)

func TestSeenOrRecordDetectsDuplicate(t *testing.T) {
	ctx := context.Background()
	l := dedup.NewLRU(10)

	seen, err := l.SeenOrRecord(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = l.SeenOrRecord(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSeenOrRecordTrimsHalfWhenFull(t *testing.T) {
	ctx := context.Background()
	l := dedup.NewLRU(10)

	for i := 0; i < 10; i++ {
		_, err := l.SeenOrRecord(ctx, fmt.Sprintf("e%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 10, l.Len())

	_, err := l.SeenOrRecord(ctx, "e10")
	require.NoError(t, err)
	assert.Less(t, l.Len(), 10)

	seen, err := l.SeenOrRecord(ctx, "e0")
	require.NoError(t, err)
	assert.False(t, seen, "the oldest entry should have been trimmed")
}

func TestSeenOrRecordRaceYieldsExactlyOneFirstSeer(t *testing.T) {
	ctx := context.Background()
	l := dedup.NewLRU(100)

	const racers = 50
	var firstSeerCount int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			seen, err := l.SeenOrRecord(ctx, "race-item")
			require.NoError(t, err)
			if !seen {
				atomic.AddInt32(&firstSeerCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firstSeerCount, "exactly one caller should see the item as new")
}

func TestNewLRUDefaultsNonPositiveCapacity(t *testing.T) {
	ctx := context.Background()
	l := dedup.NewLRU(0)
	assert.Equal(t, 0, l.Len())

	for i := 0; i < 1000; i++ {
		_, err := l.SeenOrRecord(ctx, fmt.Sprintf("e%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 1000, l.Len(), "no trim before the default capacity of 1000 is reached")

	_, err := l.SeenOrRecord(ctx, "e1000")
	require.NoError(t, err)
	assert.Equal(t, 501, l.Len(), "reaching the default capacity trims the oldest half")
}
