package feeder

import (
	"context"
	"errors"
	"io"
	"os"

	"swoitm/internal/common"
	"swoitm/internal/itm"
	"swoitm/internal/swo"
)

// DefaultReadSize is the chunk size used when none is configured.
const DefaultReadSize = 4096

// FileSource reads a captured SWO stream from a file or any other reader.
type FileSource struct {
	r   io.Reader
	buf []byte
}

// NewFileSource reads chunks of up to readSize bytes from r.
func NewFileSource(r io.Reader, readSize int) *FileSource {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &FileSource{r: r, buf: make([]byte, readSize)}
}

// ReadChunk returns the next chunk, valid until the following call. A reader
// closed underneath a pending read ends the stream.
func (f *FileSource) ReadChunk() ([]byte, error) {
	for {
		n, err := f.r.Read(f.buf)
		if errors.Is(err, os.ErrClosed) {
			err = io.EOF
		}
		if n > 0 {
			return f.buf[:n], err
		}
		if err != nil {
			return nil, err
		}
	}
}

func openFile(_ context.Context, opts Options) (itm.Source, io.Closer, error) {
	if opts.File == "" || opts.File == "-" {
		opts.logger().Debug("reading SWO stream from stdin")
		return NewFileSource(os.Stdin, opts.ReadSize), closerFunc(func() error { return nil }), nil
	}
	fh, err := os.Open(opts.File)
	if err != nil {
		return nil, nil, common.NewErrorf(swo.ErrFileError, "open capture: %v", err)
	}
	opts.logger().Logf(common.SeverityDebug, "reading SWO stream from %s", opts.File)
	return NewFileSource(fh, opts.ReadSize), fh, nil
}
