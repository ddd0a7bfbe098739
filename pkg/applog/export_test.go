package applog

// SetBeforeLengthStore installs a hook that runs after a frame's payload and
// header are written and before its length is published.
func SetBeforeLengthStore(l *Log, fn func()) {
	l.beforeLengthStore = fn
}

// PartitionStatus returns the live status of partition i.
func PartitionStatus(l *Log, i int) Status {
	return Status(l.statuses[i].Load())
}
