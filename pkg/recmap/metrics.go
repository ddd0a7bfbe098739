package recmap

// Metrics receives map events. Implementations must be safe for concurrent
// use. See the metrics package for a Prometheus implementation.
type Metrics interface {
	// LockStolen is called after the write lock was taken from a dead owner.
	LockStolen()
	// Recovered is called after recovery undid an interrupted mutation. steps
	// is the number of journal steps rolled back.
	Recovered(steps int)
	// Resized is called after a new generation was added.
	Resized(generation int)
	// ReadRetried is called each time an optimistic read had to retry.
	ReadRetried()
}

type nopMetrics struct{}

func (nopMetrics) LockStolen()   {}
func (nopMetrics) Recovered(int) {}
func (nopMetrics) Resized(int)   {}
func (nopMetrics) ReadRetried()  {}
