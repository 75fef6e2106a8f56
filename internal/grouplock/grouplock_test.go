package grouplock

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLocks_SerializesSameGroup(t *testing.T) {
	locks := New()
	groupID := uuid.New()

	const workers = 32
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock(groupID)
			defer locks.Unlock(groupID)
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
}

func TestLocks_DifferentGroupsDoNotBlockEachOther(t *testing.T) {
	locks := New()
	groupA, groupB := uuid.New(), uuid.New()

	locks.Lock(groupA)
	defer locks.Unlock(groupA)

	done := make(chan struct{})
	go func() {
		locks.Lock(groupB)
		locks.Unlock(groupB)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different group blocked")
	}
}
