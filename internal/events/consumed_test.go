package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumedSetAtMostOnce(t *testing.T) {
	s := NewConsumedSet()

	assert.False(t, s.CheckAndRemove("ev-1"), "unmarked id is not consumed")

	s.MarkConsumed("ev-1")
	assert.True(t, s.CheckAndRemove("ev-1"), "first check returns true")
	assert.False(t, s.CheckAndRemove("ev-1"), "second check returns false")
	assert.False(t, s.CheckAndRemove("ev-1"))
}

func TestConsumedSetConcurrentCheck(t *testing.T) {
	s := NewConsumedSet()
	s.MarkConsumed("ev-1")

	const n = 16
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.CheckAndRemove("ev-1")
		}()
	}
	wg.Wait()
	close(results)

	trues := 0
	for r := range results {
		if r {
			trues++
		}
	}
	assert.Equal(t, 1, trues, "exactly one checker wins")
}

func TestElicitationSet(t *testing.T) {
	s := NewElicitationSet()

	assert.False(t, s.IsActive("sess-a"))

	s.SetActive("sess-a", true)
	assert.True(t, s.IsActive("sess-a"))
	assert.False(t, s.IsActive("sess-b"))

	s.SetActive("sess-a", false)
	assert.False(t, s.IsActive("sess-a"))
}
