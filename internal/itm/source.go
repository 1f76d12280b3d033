package itm

// Source supplies raw SWO bytes to a Decoder.
//
// ReadChunk may block. It returns a non-empty chunk, or io.EOF once the stream
// is permanently exhausted (a final chunk may accompany io.EOF). Any other
// error is a link failure. An empty chunk with a nil error is a source bug and
// is reported by the decoder as such.
type Source interface {
	ReadChunk() ([]byte, error)
}

// SourceFunc adapts an ordinary function to the Source interface.
type SourceFunc func() ([]byte, error)

// ReadChunk calls f().
func (f SourceFunc) ReadChunk() ([]byte, error) {
	return f()
}
