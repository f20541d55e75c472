// Package threadpool provides the process-wide worker pool used to dispose
// of live transports off the goroutine that triggered the teardown. A
// transport's Stop joins its own goroutines, so stopping it inline from one
// of its callbacks would deadlock; tasks enqueued here always run on an
// independent worker.
package threadpool

import (
	"runtime"
	"sync"
)

var (
	startOnce sync.Once
	tasks     chan func()
)

// Workers start lazily on the first Enqueue and live until process exit.
func start() {
	tasks = make(chan func(), 64)
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		go func() {
			for task := range tasks {
				task()
			}
		}()
	}
}

// # Description
//
// Enqueue a task for execution on the pool. The task runs asynchronously on
// one of the pool workers, never on the calling goroutine.
func Enqueue(task func()) {
	startOnce.Do(start)
	tasks <- task
}
