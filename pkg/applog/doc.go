// Package applog provides a crash-durable, memory-mapped append log.
//
// The log is one file: a 256-byte header followed by three equally sized
// terms. Writers claim frames in the active term with a single atomic add on
// the term's tail; when a term fills up, the writer whose claim crosses its
// end rotates to the next term. Terms are reused forever, so the file never
// grows while the logical position keeps increasing.
//
// # Basic Usage
//
//	log, err := applog.Open(applog.Options{Path: "/var/lib/ts/series.log"})
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
//
//	// Produce
//	claim, err := log.Claim(len(payload))
//	copy(claim.Buffer(), payload)
//	claim.Commit(streamID, 0)
//
//	// Consume
//	log.Start(applog.HandlerFunc(func(f applog.Frame) error {
//	    return apply(f.Payload)
//	}))
//
// # Frames
//
// A frame is a 16-byte header and its payload, 8-byte aligned. The first
// header word is the frame length and doubles as its state: 0 while the frame
// is unwritten, positive once committed, -1 as the end-of-term sentinel.
// Commit stores it last, so a visible length implies a complete payload.
//
// # Concurrency
//
//   - Claim, Offer, Commit and Abort are safe from any number of goroutines
//     and processes.
//   - Exactly one poller may consume the log. Its position is persisted in
//     the header, so a restarted poller resumes where the previous one stopped.
//   - The cleaner zeroes retired terms once the poller has moved past them.
//     If it falls behind, the rotating writer cleans the term itself and a
//     subscriber still reading it is lapped ([ErrLapped]).
//
// # Limits
//
// A writer that dies between claiming and committing leaves a frame of
// length 0 that blocks the poller at that position, and a writer that dies
// while rotating leaves the term full with no successor. Both need manual
// repair. A claim must be finished before writers advance two more terms.
package applog
