package recmap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/tsstore/internal/spin"
)

// Locking architecture
//
//  1. registryEntry.writeMu: serialises writers of one file inside this
//     process. The pid lock cannot tell two goroutines of one process apart.
//
//  2. pid lock: the owner word in the buckets header, CAS 0 -> pid. Held for
//     the duration of one mutation. A lock whose owner is dead is stolen.
//
//  3. registryEntry.mu: in-process guard over the mapped bytes. Readers hold
//     RLock, the pid lock holder holds Lock while mutating.
//
//  4. version / nextVersion: the writer bumps nextVersion before mutating and
//     copies it to version when done. Readers of other processes accept a
//     read only if no bump happened around it.
//
// Lock ordering: writeMu -> pid lock -> mu

// ProcessProbe reports whether a process is alive.
type ProcessProbe interface {
	Alive(pid int) bool
}

// ProbeFunc adapts a function to [ProcessProbe].
type ProbeFunc func(pid int) bool

// Alive calls f(pid).
func (f ProbeFunc) Alive(pid int) bool {
	return f(pid)
}

// SignalProbe checks liveness with kill(pid, 0). A process owned by another
// user counts as alive. PID reuse makes a dead owner look alive, which only
// delays theft.
type SignalProbe struct{}

// Alive reports false only when the kernel says no such process exists.
func (SignalProbe) Alive(pid int) bool {
	return !errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}

const (
	// DefaultLockSpinLimit is the number of failed acquire attempts between
	// liveness probes of the owner.
	DefaultLockSpinLimit = 200

	// readMaxRetries bounds optimistic read attempts before a reader assumes
	// a crashed writer and goes through the write lock to recover.
	readMaxRetries = 10
)

// fileRegistry maps file identities to their per-file lock state.
var fileRegistry sync.Map // map[fileIdentity]*registryEntry

// fileIdentity uniquely identifies a file by device and inode.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// registryEntry is shared by all Map handles of one file in this process.
type registryEntry struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	// openCount tracks open handles. At zero the entry leaves fileRegistry.
	openCount atomic.Int32
}

func identityOf(path string) (fileIdentity, error) {
	var st unix.Stat_t

	err := unix.Stat(path, &st)
	if err != nil {
		return fileIdentity{}, fmt.Errorf("stat %s: %w", path, err)
	}

	return fileIdentity{dev: st.Dev, ino: st.Ino}, nil
}

// acquireRegistryEntry gets or creates the entry for id, incrementing its
// open count. Callers must call releaseRegistryEntry when done.
func acquireRegistryEntry(id fileIdentity) *registryEntry {
	for {
		if val, loaded := fileRegistry.Load(id); loaded {
			entry, ok := val.(*registryEntry)
			if !ok {
				fileRegistry.CompareAndDelete(id, val)

				continue
			}

			for {
				old := entry.openCount.Load()
				if old <= 0 {
					// Being removed; create a fresh one.
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}
		}

		entry := &registryEntry{}
		entry.openCount.Store(1)

		_, loaded := fileRegistry.LoadOrStore(id, entry)
		if !loaded {
			return entry
		}
	}
}

func releaseRegistryEntry(id fileIdentity, entry *registryEntry) {
	if entry.openCount.Add(-1) <= 0 {
		fileRegistry.CompareAndDelete(id, entry)
	}
}

// writeLock runs action as the single writer of the map.
//
// If the previous owner died, or left pending recovery steps, the map is
// recovered before action runs. If action fails halfway through a mutation
// its steps are undone before the lock is released. If action panics the
// pid lock stays held, exactly as if the process had died; the next writer
// of this process steals it.
func (m *Map) writeLock(action func() error) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.reg.writeMu.Lock()
	defer m.reg.writeMu.Unlock()

	stolen, err := m.acquire()
	if err != nil {
		return err
	}

	m.nextVersion.Add(1)

	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()

	err = m.ensureMapped(m.generation.Load())
	if err != nil {
		m.release()

		return err
	}

	if stolen || m.flags.Load() != 0 {
		err = m.recoverPending()
		if err != nil {
			m.release()

			return err
		}
	}

	err = action()
	if err != nil && m.flags.Load() != 0 {
		rerr := m.recoverPending()
		if rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	m.release()

	return err
}

// acquire takes the pid lock, stealing it from a dead owner. It reports
// whether the lock was stolen.
func (m *Map) acquire() (bool, error) {
	var backoff spin.Backoff

	for {
		if m.owner.CompareAndSwap(0, m.pid) {
			return false, nil
		}

		if (backoff.Attempts()+1)%m.spinLimit == 0 {
			owner := m.owner.Load()

			// Our own pid can only be left behind by a panicked action:
			// writeMu keeps other goroutines of this process out.
			if owner != 0 && (owner == m.pid || !m.probe.Alive(int(owner))) &&
				m.owner.CompareAndSwap(owner, m.pid) {
				m.logger.Warn("stole write lock from dead owner", zap.Int32("owner", owner))
				m.metrics.LockStolen()

				return true, nil
			}
		}

		if m.closed.Load() {
			return false, ErrClosed
		}

		backoff.Wait()
	}
}

// release publishes the mutation to readers, then frees the pid lock.
func (m *Map) release() {
	m.version.Store(m.nextVersion.Load())
	m.owner.Store(0)
}

// read runs f as an optimistic reader.
//
// f must not retain mapped memory and must report impossible states with
// errOverlap. A read is accepted when no writer was active before or during
// it. After readMaxRetries rejected attempts the reader assumes a crashed
// writer, goes through the write lock (which recovers) and starts over.
func (m *Map) read(f func() error) error {
	for {
		var backoff spin.Backoff

		for range readMaxRetries {
			if m.closed.Load() {
				return ErrClosed
			}

			v1 := m.version.Load()
			if v1 == m.nextVersion.Load() {
				m.reg.mu.RLock()
				err := f()
				m.reg.mu.RUnlock()

				if m.nextVersion.Load() == v1 {
					if errors.Is(err, errOverlap) {
						return fmt.Errorf("stable read: %w", ErrCorrupt)
					}

					return err
				}
			}

			m.metrics.ReadRetried()
			backoff.Wait()
		}

		err := m.writeLock(func() error { return nil })
		if err != nil {
			return err
		}
	}
}
