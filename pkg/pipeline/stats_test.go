package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objsync/objsync/pkg/types"
)

func TestStatsCollectorAggregates(t *testing.T) {
	c := newStatsCollector()

	c.Send(types.SyncStatistics{Kind: types.StatComplete, Key: "a"})
	c.Send(types.SyncStatistics{Kind: types.StatBytes, Key: "a", Bytes: 100})
	c.Send(types.SyncStatistics{Kind: types.StatSkip, Key: "b"})
	c.Send(types.SyncStatistics{Kind: types.StatWarning, Key: "c"})

	report := c.Close()
	assert.Equal(t, uint64(1), report.Completed)
	assert.Equal(t, uint64(100), report.TransferredBytes)
	assert.Equal(t, uint64(1), report.Skipped)
	assert.Equal(t, uint64(1), report.Warnings)
}

func TestStatsCollectorConcurrentSenders(t *testing.T) {
	c := newStatsCollector()

	const senders = 16
	const perSender = 500

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				c.Send(types.SyncStatistics{Kind: types.StatComplete})
				c.Send(types.SyncStatistics{Kind: types.StatBytes, Bytes: 1})
			}
		}()
	}
	wg.Wait()

	report := c.Close()
	assert.Equal(t, uint64(senders*perSender), report.Completed)
	assert.Equal(t, uint64(senders*perSender), report.TransferredBytes)
}

func TestStatsCollectorSendAfterClose(t *testing.T) {
	c := newStatsCollector()
	c.Send(types.SyncStatistics{Kind: types.StatComplete})
	report := c.Close()
	assert.Equal(t, uint64(1), report.Completed)

	// Late records are dropped, never blocked on.
	c.Send(types.SyncStatistics{Kind: types.StatComplete})
	assert.Equal(t, uint64(1), report.Completed)
}
