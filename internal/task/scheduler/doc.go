// Package scheduler is the public face of the job scheduler.
//
// Service owns the lifecycle (Created -> Started <-> Standby -> Shutdown) and
// the job/trigger API. Internally a single dispatcher goroutine keeps a min-heap
// of next fire times, sleeps on the clock until the earliest one, turns due
// triggers into fires and hands them to the executor (internal/task/engine).
//
// The heap is guarded by the job store's lock: every store mutation updates it
// through the store.Queue hooks, and the dispatcher only touches it inside
// store transactions, so the store and the heap can never disagree.
package scheduler
