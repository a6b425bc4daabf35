package syncutil_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ipcmesh/ipcmesh/syncutil"
)

func TestBarrierReleasesAllAtTarget(t *testing.T) {
	m := syncutil.New()
	const n = 5

	var arrived sync.WaitGroup
	arrived.Add(n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			arrived.Done()
			m.Barrier(uint64(n))
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not release all goroutines")
	}
}

func TestBarrierReusableAcrossRounds(t *testing.T) {
	m := syncutil.New()
	const n = 3

	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				m.Barrier(uint64(n))
			}()
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d did not complete", round)
		}
	}
}

func TestLockUnlock(t *testing.T) {
	m := syncutil.New()
	m.Lock()
	unlocked := make(chan struct{})
	go func() {
		m.Lock()
		close(unlocked)
		m.Unlock()
	}()

	select {
	case <-unlocked:
		t.Fatal("second locker proceeded before Unlock")
	case <-time.After(20 * time.Millisecond):
	}
	m.Unlock()
	<-unlocked
}
