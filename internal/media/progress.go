package media

import (
	"context"
	"errors"
	"io"
)

var errTooLarge = errors.New("upload exceeds size limit")

// progressReader reports how much of the declared size has been read and
// stops the transfer on cancellation or when limit is passed.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	limit    int64
	total    int64
	read     int64
	overflow bool
	fn       func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read > p.limit {
		p.overflow = true
		return n, errTooLarge
	}
	if n > 0 && p.total > 0 {
		f := float64(p.read) / float64(p.total)
		if f > 1 {
			f = 1
		}
		p.fn(f)
	}
	return n, err
}
