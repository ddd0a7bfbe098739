package recmap

// Recovery step bits, for tests.
const (
	StepUpdateValue  = stepUpdateValue
	StepFreeListPop  = stepFreeListPop
	StepCountExtend  = stepCountExtend
	StepBucketLink   = stepBucketLink
	StepUnlinkBucket = stepUnlinkBucket
	StepUnlinkNext   = stepUnlinkNext
	StepFreeListPush = stepFreeListPush
)

// SetCrashHook installs fn to run after each recovery step's mutation.
// Panicking in fn simulates the writer process dying at that point.
func SetCrashHook(m *Map, fn func(step int32)) {
	m.crashHook = fn
}

// Control is a copy of the map's control words.
type Control struct {
	Owner       int32
	Version     int64
	NextVersion int64
	Count       int32
	FreeHead    int32
	FreeCount   int32
	Generation  int32
	Flags       int32
}

// ControlWords returns the map's control words.
func ControlWords(m *Map) Control {
	return Control{
		Owner:       m.owner.Load(),
		Version:     m.version.Load(),
		NextVersion: m.nextVersion.Load(),
		Count:       m.count.Load(),
		FreeHead:    m.freeHead.Load(),
		FreeCount:   m.freeCount.Load(),
		Generation:  m.generation.Load(),
		Flags:       m.flags.Load(),
	}
}

// SetOwner overwrites the write lock owner.
func SetOwner(m *Map, pid int32) {
	m.owner.Store(pid)
}

// DataImage copies the bucket tables and the entries, without headers and
// the shadow entry.
func DataImage(m *Map) (buckets, entries []byte) {
	gen := m.generation.Load()

	b, err := m.buckets.Slice(HeaderSize, bucketsFileSize(m.layout.InitialGen, gen)-HeaderSize)
	if err != nil {
		panic(err)
	}

	e, err := m.entries.Slice(m.entryOff(0), int64(primes[gen])*m.stride)
	if err != nil {
		panic(err)
	}

	return append([]byte(nil), b...), append([]byte(nil), e...)
}
