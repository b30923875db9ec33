package shell

// DefaultScrollback is the number of output bytes replayed to a newly
// attached terminal.
const DefaultScrollback = 256 * 1024

// incompleteUTF8Tail returns the number of trailing bytes that form an
// incomplete multi-byte UTF-8 sequence. Those bytes are held back until the
// next read completes the rune.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	for i := 0; i < 4 && i < n; i++ {
		b := data[n-1-i]
		if b&0xC0 == 0x80 {
			continue
		}
		var seqLen int
		switch {
		case b&0xE0 == 0xC0:
			seqLen = 2
		case b&0xF0 == 0xE0:
			seqLen = 3
		case b&0xF8 == 0xF0:
			seqLen = 4
		default:
			return 0
		}
		if have := i + 1; have < seqLen {
			return have
		}
		return 0
	}
	// A run of continuation bytes is invalid anyway; pass it through.
	return 0
}

// ring is a fixed-size byte buffer that keeps the newest output.
// Callers serialize access.
type ring struct {
	buf  []byte
	pos  int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		return nil
	}
	return &ring{buf: make([]byte, size)}
}

func (r *ring) write(data []byte) {
	if r == nil {
		return
	}
	for len(data) > 0 {
		n := copy(r.buf[r.pos:], data)
		data = data[n:]
		r.pos += n
		if r.pos >= len(r.buf) {
			r.pos = 0
			r.full = true
		}
	}
}

// contents returns the buffered bytes oldest first, starting on a rune
// boundary when the buffer has wrapped.
func (r *ring) contents() []byte {
	if r == nil {
		return nil
	}
	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]byte, len(r.buf))
	n := copy(out, r.buf[r.pos:])
	copy(out[n:], r.buf[:r.pos])
	i := 0
	for i < len(out) && i < 4 && out[i]&0xC0 == 0x80 {
		i++
	}
	return out[i:]
}
