package applog

// Metrics receives log events. Implementations must be safe for concurrent
// use; see the metrics package for a Prometheus implementation.
//
// A nil Metrics in [Options] disables collection.
type Metrics interface {
	// FrameCommitted is called after a data frame of payloadBytes is published.
	FrameCommitted(payloadBytes int)
	// FrameAborted is called after a claim is turned into padding.
	FrameAborted()
	// Rotated is called by the writer that activated termID.
	Rotated(termID int32)
	// PartitionCleaned is called after a partition is zeroed. forced is true
	// when a rotating writer had to clean it itself.
	PartitionCleaned(partition int, forced bool)
	// FramesPolled is called with the number of data frames one Poll dispatched.
	FramesPolled(n int)
}

type nopMetrics struct{}

func (nopMetrics) FrameCommitted(int)         {}
func (nopMetrics) FrameAborted()              {}
func (nopMetrics) Rotated(int32)              {}
func (nopMetrics) PartitionCleaned(int, bool) {}
func (nopMetrics) FramesPolled(int)           {}
