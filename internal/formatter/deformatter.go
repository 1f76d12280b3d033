package formatter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"swoitm/internal/common"
	"swoitm/internal/itm"
	"swoitm/internal/swo"
)

const (
	FrameSize    = 16
	fsyncPattern = uint32(0x7FFFFFFF) // Little Endian FSYNC
	fsyncLen     = 4
)

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger used for sync diagnostics.
func WithLogger(l common.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// Source removes TPIU formatting from a byte source. It hunts for FSYNC,
// unpacks 16 byte frames and hands out only the bytes of one trace ID.
type Source struct {
	inner   itm.Source
	traceID uint8
	log     common.Logger

	buffer []byte
	out    []byte
	currID uint8
	synced bool
	eof    bool

	frames      uint64
	skipped     uint64
	prevSkipped uint64
}

// NewSource wraps src, keeping the bytes written under traceID.
func NewSource(src itm.Source, traceID uint8, opts ...Option) (*Source, error) {
	if src == nil {
		return nil, common.NewErrorMsg(swo.ErrSevError, swo.ErrNotInit, "deformatter needs a byte source")
	}
	if !swo.IsValidTraceID(traceID) {
		return nil, common.NewErrorWithIdxChanMsg(swo.ErrSevError, swo.ErrInvalidID, swo.BadTrcIndex, traceID, "trace ID out of range 0x01-0x6F")
	}
	s := &Source{
		inner:   src,
		traceID: traceID,
		log:     common.NewNoOpLogger(),
		buffer:  make([]byte, 0, FrameSize*2),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Frames returns the number of frames unpacked so far.
func (s *Source) Frames() uint64 { return s.frames }

// ReadChunk blocks on the wrapped source until at least one byte for the
// selected trace ID is available. io.EOF is forwarded once the wrapped source
// is exhausted and every complete frame has been unpacked.
func (s *Source) ReadChunk() ([]byte, error) {
	for len(s.out) == 0 {
		if s.eof {
			if n := len(s.buffer); n > 0 {
				s.log.Logf(common.SeverityDebug, "dropping %d bytes of incomplete frame at end of stream", n)
				s.buffer = s.buffer[:0]
			}
			return nil, io.EOF
		}

		chunk, err := s.inner.ReadChunk()
		s.buffer = append(s.buffer, chunk...)
		switch {
		case errors.Is(err, io.EOF):
			s.eof = true
		case err != nil:
			return nil, err
		case len(chunk) == 0:
			return nil, common.NewErrorMsg(swo.ErrSevError, swo.ErrSourceEmptyChunk, "formatted trace source returned an empty chunk")
		}
		s.process()
	}

	out := s.out
	s.out = nil
	return out, nil
}

func (s *Source) process() {
	// 1. Synchronization Loop
	if !s.synced {
		for len(s.buffer) >= fsyncLen {
			if binary.LittleEndian.Uint32(s.buffer[:fsyncLen]) == fsyncPattern {
				s.synced = true
				s.buffer = s.buffer[fsyncLen:]
				break
			}
			// Skip 1 byte and retry
			s.buffer = s.buffer[1:]
			s.skipped++
		}
		if s.skipped != s.prevSkipped {
			s.log.Logf(common.SeverityDebug, "%v", common.NewErrorMsg(swo.ErrSevWarn, swo.ErrDfrmtrBadFhsync,
				fmt.Sprintf("skipped %d bytes looking for frame sync", s.skipped-s.prevSkipped)))
			s.prevSkipped = s.skipped
		}
	}

	if !s.synced {
		return
	}

	// 2. Frame Processing Loop
	for len(s.buffer) >= FrameSize {
		// FSYNCs embedded in the stream (padding/reset)
		if binary.LittleEndian.Uint32(s.buffer[:fsyncLen]) == fsyncPattern {
			s.buffer = s.buffer[fsyncLen:]
			continue
		}
		s.unpackFrame(s.buffer[:FrameSize])
		s.buffer = s.buffer[FrameSize:]
		s.frames++
	}
}

// unpackFrame unpacks one formatter frame.
// Even bytes carry an ID change when bit 0 is set, otherwise data whose
// bit 0 is held in byte 15 (bit n for byte 2n). For an ID change the flag
// bit set means the following odd byte still belongs to the previous ID.
func (s *Source) unpackFrame(frame []byte) {
	flags := frame[15]

	for i := 0; i < 15; i += 2 {
		flag := flags&(1<<(i/2)) != 0
		bEven := frame[i]
		last := i == 14

		if bEven&0x01 == 0 {
			lsb := byte(0)
			if flag {
				lsb = 1
			}
			s.outputByte(bEven | lsb)
			if !last {
				s.outputByte(frame[i+1])
			}
			continue
		}

		newID := (bEven >> 1) & 0x7F
		if flag && !last {
			s.outputByte(frame[i+1])
			s.currID = newID
			continue
		}
		s.currID = newID
		if !last {
			s.outputByte(frame[i+1])
		}
	}
}

func (s *Source) outputByte(b byte) {
	if s.currID == s.traceID {
		s.out = append(s.out, b)
	}
}
