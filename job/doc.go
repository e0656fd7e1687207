// Package job runs long-lived method calls in the background.
//
// A job moves through WAITING, RUNNING and exactly one of SUCCESS, FAILED
// or ABORTED. Progress is monotone. Jobs may declare named locks; a job
// acquires all of its locks atomically or queues FIFO behind the first
// unavailable one, so two jobs sharing any lock never run concurrently
// while independent jobs proceed.
//
// Submission never blocks: the manager keeps an unbounded run queue drained
// by a fixed set of workers. Each job keeps its recent log lines in memory
// and the full log in an append-only file; terminal job records persist in
// a bbolt database and jobs found non-terminal at startup are marked failed
// as interrupted.
package job
