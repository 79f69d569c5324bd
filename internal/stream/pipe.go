package stream

import (
	"context"
	"io"

	"github.com/postalsys/handlemesh/internal/protocol"
)

type pipeSink struct {
	r *Reader
}

func (s pipeSink) Write(f *protocol.Frame) error {
	if f.Type == protocol.FrameStreamClose {
		s.r.Finish(io.EOF)
		return nil
	}
	return s.r.Deliver(context.Background(), f)
}

// Pipe returns a connected in-memory writer and reader for stream id.
func Pipe(id uint64, initiator bool, buffer int, opts ...WriterOption) (*Writer, *Reader) {
	r := NewReader(id, buffer, nil)
	return NewWriter(pipeSink{r: r}, id, initiator, opts...), r
}

// NewReaderFrom pumps frames for a single stream out of rd. STREAM_CLOSE or
// EOF on rd ends the reader with io.EOF.
func NewReaderFrom(rd io.Reader, id uint64, buffer int) *Reader {
	r := NewReader(id, buffer, nil)
	fr := protocol.NewFrameReader(rd)
	go func() {
		for {
			f, err := fr.Read()
			if err != nil {
				r.Finish(err)
				return
			}
			if f.Type == protocol.FrameStreamClose {
				r.Finish(io.EOF)
				return
			}
			if f.StreamID != id {
				continue
			}
			if err := r.Deliver(context.Background(), f); err != nil {
				return
			}
		}
	}()
	return r
}
