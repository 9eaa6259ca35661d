package testutil

import (
	"sync"
	"testing"
)

// RunConcurrent starts n workers that are released into fn together and
// waits for all of them. A panicking worker fails the test.
func RunConcurrent(t *testing.T, n int, fn func(worker int)) {
	t.Helper()

	var (
		wg    sync.WaitGroup
		ready sync.WaitGroup
	)

	start := make(chan struct{})

	wg.Add(n)
	ready.Add(n)

	for i := range n {
		go func(worker int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("worker %d panicked: %v", worker, r)
				}
			}()

			ready.Done()
			<-start

			fn(worker)
		}(i)
	}

	ready.Wait()
	close(start)
	wg.Wait()
}
