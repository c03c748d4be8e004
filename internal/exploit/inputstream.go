package exploit

// InputStream walks the solved stage-one input while the generator replays
// the I/O timeline. Reads hand out bytes for literal sends; skips account
// for input states that consume solver bytes without producing a send.
type InputStream struct {
	data           []byte
	nrBytesRead    int
	nrBytesSkipped int
}

// NewInputStream wraps the solved input bytes.
func NewInputStream(data []byte) *InputStream {
	return &InputStream{data: data}
}

// Read consumes and returns up to n bytes at the current position.
func (s *InputStream) Read(n int) []byte {
	pos := s.NrBytesConsumed()
	if remaining := len(s.data) - pos; n > remaining {
		n = remaining
	}
	if n <= 0 {
		return nil
	}
	out := s.data[pos : pos+n]
	s.nrBytesRead += n
	return out
}

// Skip consumes up to n bytes without returning them and reports how many
// were skipped.
func (s *InputStream) Skip(n int) int {
	if remaining := len(s.data) - s.NrBytesConsumed(); n > remaining {
		n = remaining
	}
	if n <= 0 {
		return 0
	}
	s.nrBytesSkipped += n
	return n
}

// NrBytesRead returns how many bytes reads have consumed.
func (s *InputStream) NrBytesRead() int { return s.nrBytesRead }

// NrBytesSkipped returns how many bytes skips have consumed.
func (s *InputStream) NrBytesSkipped() int { return s.nrBytesSkipped }

// NrBytesConsumed returns the current position in the stream.
func (s *InputStream) NrBytesConsumed() int { return s.nrBytesRead + s.nrBytesSkipped }
