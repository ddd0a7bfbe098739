// Package recmap provides a crash-recoverable hash map of fixed-size keys
// and values stored in two memory-mapped files.
//
// # Basic Usage
//
//	m, err := recmap.Open(recmap.Options{Path: "/var/lib/ts/locks", KeySize: 8, ValueSize: 8})
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	err = m.Set(key, value)
//	v, err := m.Get(key)
//
// [OpenTyped] wraps a Map for fixed-size Go types.
//
// # Layout
//
// Entries are chained from buckets. Growing the map adds a generation: a
// new, larger bucket table layered on top of the old ones. Entries are never
// rehashed; lookups search the tables from newest to oldest.
//
// # Writers
//
// One writer at a time, across all processes, holds the write lock: the
// process id stored in the buckets header. A lock whose owner no longer
// exists is stolen after [Options.LockSpinLimit] failed attempts. A slow
// live owner is never preempted.
//
// Every mutation is a short sequence of steps. Before a step overwrites
// anything, the old value goes to the recovery journal in the entries
// header and the step's flag is set. A writer that finds flags set undoes
// the flagged steps before doing anything else, so a mutation interrupted
// by a crash is rolled back as a whole.
//
// # Readers
//
// Reads take no lock. A reader checks the version words before and after
// reading and retries if a writer was active. A reader that keeps failing
// assumes the writer crashed and recovers the map through the write lock.
package recmap
