package studio

import "io"

// progressReader reports the fraction of size read so far.
type progressReader struct {
	reader io.Reader
	size   int64
	read   int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.size > 0 {
			p.report(min(float64(p.read)/float64(p.size), 1))
		}
	}

	return n, err
}
