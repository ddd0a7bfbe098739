package applog

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/tsstore/internal/spin"
)

// Clean zeroes partition if it is waiting to be cleaned, resets its tail to
// offset 0 of the next term it will host and marks it clean. It is a no-op
// for partitions in any other state.
//
// Cleaning a partition the subscriber has not finished reading laps the
// subscriber. The background cleaner started by [Log.Start] only cleans
// partitions the subscriber has moved past; call Clean directly only when
// no poller is running.
func (l *Log) Clean(partition int) error {
	if partition < 0 || partition >= PartitionCount {
		return fmt.Errorf("partition %d: %w", partition, ErrInvalidInput)
	}

	if l.closed.Load() {
		return ErrClosed
	}

	_, err := l.clean(partition, false)

	return err
}

// clean performs the NEEDS_CLEANING → CLEANING → CLEAN transition. It
// reports false if another goroutine or process won the transition.
func (l *Log) clean(partition int, forced bool) (bool, error) {
	status := l.statuses[partition]
	if !status.CompareAndSwap(int32(StatusNeedsCleaning), int32(StatusCleaning)) {
		return false, nil
	}

	retired := tailTermID(l.tails[partition].Load())

	err := l.region.Zero(l.termStart(partition), l.termLength)
	if err != nil {
		return false, fmt.Errorf("zero partition %d: %w", partition, err)
	}

	// Claims racing with the zeroing add to a tail that is already past the
	// end of the retired term, so they lose and retry. Overwriting the tail
	// discards those increments.
	l.tails[partition].Store(packTail(retired+PartitionCount, 0))
	status.Store(int32(StatusClean))

	l.metrics.PartitionCleaned(partition, forced)

	fields := []zap.Field{
		zap.Int("partition", partition),
		zap.Int32("retired_term_id", retired),
		zap.Bool("forced", forced),
	}

	if forced && l.subscriberTermID() <= retired {
		l.logger.Warn("writer cleaned a partition the subscriber had not finished", fields...)
	} else {
		l.logger.Debug("cleaned partition", fields...)
	}

	return true, nil
}

// subscriberTermID returns the term the subscriber position points into.
func (l *Log) subscriberTermID() int32 {
	return l.initialTermID + int32(l.subscriber.Load()/l.termLength)
}

// cleanConsumed cleans every partition whose retired term the subscriber has
// moved past.
func (l *Log) cleanConsumed() error {
	current := l.subscriberTermID()

	for i := range PartitionCount {
		if Status(l.statuses[i].Load()) != StatusNeedsCleaning {
			continue
		}

		if tailTermID(l.tails[i].Load()) >= current {
			continue
		}

		_, err := l.clean(i, false)
		if err != nil {
			return err
		}
	}

	return nil
}

// signalCleaner wakes the cleaner goroutine without blocking.
func (l *Log) signalCleaner() {
	select {
	case l.cleanSignal <- struct{}{}:
	default:
	}
}

// Start runs the poller and the cleaner in background goroutines until
// [Log.Close]. The poller dispatches frames to h. Any error from either loop
// is fatal: it is logged and passed to [Options.OnFatal].
func (l *Log) Start(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler: %w", ErrInvalidInput)
	}

	if l.closed.Load() {
		return ErrClosed
	}

	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	l.wg.Add(2)

	go l.runPoller(h)
	go l.runCleaner()

	l.logger.Info("started poller and cleaner", zap.Int64("position", l.Position()))

	return nil
}

func (l *Log) runPoller(h Handler) {
	defer l.wg.Done()

	idle := spin.Backoff{Initial: 10 * time.Microsecond, Max: time.Millisecond}

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		n, err := l.Poll(h, l.pollBatch)
		if errors.Is(err, ErrClosed) {
			return
		}

		if err != nil {
			l.fatal("poller", err)

			return
		}

		if n > 0 {
			idle.Reset()

			continue
		}

		idle.Wait()
	}
}

func (l *Log) runCleaner() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stop:
			return
		case <-l.cleanSignal:
		}

		err := l.cleanConsumed()
		if err != nil {
			l.fatal("cleaner", err)

			return
		}
	}
}

func (l *Log) fatal(loop string, err error) {
	l.logger.Error("background loop failed", zap.String("loop", loop), zap.Error(err))
	l.onFatal(fmt.Errorf("applog %s: %w", loop, err))
}
