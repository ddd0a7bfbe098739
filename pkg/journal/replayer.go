package journal

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/calvinalkan/tsstore/pkg/applog"
	"github.com/calvinalkan/tsstore/pkg/recmap"
)

// Replayer applies journal records to a map. It implements
// [applog.Handler]; frames of other streams are skipped.
//
// Replay is idempotent per record, so replaying a log from its start onto a
// map that already holds a prefix of it converges to the same state.
type Replayer struct {
	m        *recmap.Map
	codec    Codec
	streamID int32
	logger   *zap.Logger

	applied atomic.Int64
	skipped atomic.Int64
	lastPos atomic.Int64
}

// NewReplayer returns a replayer for frames tagged streamID. A nil logger
// discards output.
func NewReplayer(m *recmap.Map, streamID int32, logger *zap.Logger) (*Replayer, error) {
	codec, err := NewCodec(m.KeySize(), m.ValueSize())
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Replayer{m: m, codec: codec, streamID: streamID, logger: logger}
	r.lastPos.Store(-1)

	return r, nil
}

// Codec returns the codec matching the replayer's map.
func (r *Replayer) Codec() Codec {
	return r.codec
}

// OnFrame applies one frame. A malformed record stops the poller.
func (r *Replayer) OnFrame(f applog.Frame) error {
	if f.StreamID != r.streamID {
		r.skipped.Add(1)

		return nil
	}

	rec, err := r.codec.Decode(f.Payload)
	if err != nil {
		return fmt.Errorf("position %d: %w", f.Position, err)
	}

	switch rec.Op {
	case OpSet:
		err = r.m.Set(rec.Key, rec.Value)
	case OpRemove:
		_, err = r.m.Remove(rec.Key)
	}

	if err != nil {
		return fmt.Errorf("apply %s at position %d: %w", rec.Op, f.Position, err)
	}

	r.applied.Add(1)
	r.lastPos.Store(f.Position)

	r.logger.Debug("replayed record",
		zap.Stringer("op", rec.Op),
		zap.Int64("position", f.Position),
		zap.Int32("term_id", f.TermID),
	)

	return nil
}

// Applied returns how many records were applied.
func (r *Replayer) Applied() int64 {
	return r.applied.Load()
}

// Skipped returns how many frames of other streams were skipped.
func (r *Replayer) Skipped() int64 {
	return r.skipped.Load()
}

// LastPosition returns the position of the last applied record, or -1.
func (r *Replayer) LastPosition() int64 {
	return r.lastPos.Load()
}
