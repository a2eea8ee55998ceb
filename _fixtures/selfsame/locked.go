package main

import (
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"
)

var (
	mu1 sync.Mutex
	mu2 sync.Mutex
)

// Contends for mu1, which the probe holds across the breakpoint.
func contender(ready *sync.WaitGroup) {
	ready.Done()
	mu1.Lock()
	defer mu1.Unlock()
	fmt.Println("contender got the lock")
}

func holdAndStop(ctx context.Context) {
	mu1.Lock()
	defer mu1.Unlock()
	held(ctx)
}

func held(ctx context.Context) {
	mu2.Lock()
	defer mu2.Unlock()

	var ready sync.WaitGroup
	ready.Add(1)
	go contender(&ready)
	ready.Wait()
	// Let the contender park on mu1 before stopping.
	time.Sleep(100 * time.Millisecond)

	runtime.Breakpoint() // agent attaches while stopped here
}

func main() {
	pprof.Do(context.Background(), pprof.Labels("name", "probe"), holdAndStop)
}
