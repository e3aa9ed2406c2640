package progress

import "io"

// Reader wraps an io.Reader and reports every chunk read to a callback.
type Reader struct {
	Reader io.Reader
	OnRead func(n int64)
}

func NewReader(r io.Reader, cb func(n int64)) *Reader {
	return &Reader{
		Reader: r,
		OnRead: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 && pr.OnRead != nil {
		pr.OnRead(int64(n))
	}

	return n, err
}

// Percent converts a byte count into a whole percent clamped to 0-100.
func Percent(done, total int64) int {
	if total <= 0 {
		return 0
	}

	p := int(done * 100 / total)

	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
