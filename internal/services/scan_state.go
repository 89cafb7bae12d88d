package services

import "sync/atomic"

// scanGate is the idle/running state of the scanner.
// TryStart and Finish are its only mutators.
type scanGate struct {
	running atomic.Bool
}

// TryStart moves idle -> running. It reports false when a scan is already running.
func (g *scanGate) TryStart() bool {
	return g.running.CompareAndSwap(false, true)
}

// Finish moves running -> idle
func (g *scanGate) Finish() {
	g.running.Store(false)
}

func (g *scanGate) Running() bool {
	return g.running.Load()
}
