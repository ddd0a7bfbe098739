package journal

import (
	"fmt"

	"github.com/calvinalkan/tsstore/pkg/applog"
)

// DefaultStreamID tags journal frames ("JRNL").
const DefaultStreamID int32 = 0x4a524e4c

// Writer appends map mutations to a log. It is safe for concurrent use to
// the extent the log is: each record gets its own claim.
type Writer struct {
	log      *applog.Log
	codec    Codec
	streamID int32
}

// NewWriter returns a writer committing records with streamID.
func NewWriter(log *applog.Log, codec Codec, streamID int32) (*Writer, error) {
	if codec.Size() > log.MaxPayload() {
		return nil, fmt.Errorf("record size %d exceeds log max payload %d: %w", codec.Size(), log.MaxPayload(), ErrInvalidInput)
	}

	return &Writer{log: log, codec: codec, streamID: streamID}, nil
}

// Set journals an insert or overwrite.
func (w *Writer) Set(key, value []byte) (int64, error) {
	return w.Append(Record{Op: OpSet, Key: key, Value: value})
}

// Remove journals a delete.
func (w *Writer) Remove(key []byte) (int64, error) {
	return w.Append(Record{Op: OpRemove, Key: key})
}

// Append encodes r straight into a claimed frame and commits it. It returns
// the frame's log position.
func (w *Writer) Append(r Record) (int64, error) {
	c, err := w.log.Claim(w.codec.Size())
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}

	err = w.codec.Encode(c.Buffer(), r)
	if err != nil {
		abortErr := c.Abort()
		if abortErr != nil {
			return 0, fmt.Errorf("%w (abort: %w)", err, abortErr)
		}

		return 0, err
	}

	pos := c.Position()

	err = c.Commit(w.streamID, 0)
	if err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return pos, nil
}
